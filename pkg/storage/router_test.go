package storage

import (
	"context"
	"testing"

	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*Router, *MockProvider, *MockProvider) {
	media := NewMockProvider("media", ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo)
	object := NewMockProvider("object",
		ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo, ffmodel.TypeCategoryAudio,
		ffmodel.TypeCategoryDocument, ffmodel.TypeCategoryArchive, ffmodel.TypeCategoryOther)

	return NewRouter(media, object), media, object
}

func TestChooseRoutesMediaTypesToMediaStore(t *testing.T) {
	router, media, object := newTestRouter()

	var tests = []struct {
		category string
		want     Provider
	}{
		{ffmodel.TypeCategoryImage, media},
		{ffmodel.TypeCategoryVideo, media},
		{ffmodel.TypeCategoryAudio, object},
		{ffmodel.TypeCategoryDocument, object},
		{ffmodel.TypeCategoryArchive, object},
		{ffmodel.TypeCategoryOther, object},
	}

	for _, test := range tests {
		t.Run(test.category, func(t *testing.T) {
			chosen, err := router.Choose(test.category)
			require.NoError(t, err)
			require.Equal(t, test.want.Name(), chosen.Name())
		})
	}
}

func TestChooseFallsBackWhenMediaStoreMissing(t *testing.T) {
	object := NewMockProvider("object", ffmodel.TypeCategoryImage)
	router := NewRouter(nil, object)

	chosen, err := router.Choose(ffmodel.TypeCategoryImage)
	require.NoError(t, err)
	require.Equal(t, "object", chosen.Name())
}

func TestChooseWithNoProviders(t *testing.T) {
	router := NewRouter(nil, nil)

	_, err := router.Choose(ffmodel.TypeCategoryImage)
	require.True(t, fferr.Is(err, fferr.ProviderFailure))
}

func TestReplicateWritesPrivateBackupCopy(t *testing.T) {
	router, media, object := newTestRouter()

	params := UploadParams{Filename: "photo.jpg", MimeType: "image/jpeg", IsPublic: true}
	result, err := router.Replicate(context.Background(), media, []byte("bytes"), params)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, BackupFolder+"/photo.jpg", result.ObjectID)

	// The backup is always private regardless of the original visibility.
	require.Len(t, object.Uploads, 1)
	require.False(t, object.Uploads[0].IsPublic)
	require.Equal(t, BackupFolder, object.Uploads[0].Folder)
}

func TestReplicateSkipsWhenPrimaryIsObjectStore(t *testing.T) {
	router, _, object := newTestRouter()

	result, err := router.Replicate(context.Background(), object, []byte("bytes"), UploadParams{Filename: "doc.pdf"})
	require.NoError(t, err)
	require.Nil(t, result)
	require.Zero(t, object.UploadCount())
}

func TestReplicateFailureIsReportedNotFatal(t *testing.T) {
	router, media, object := newTestRouter()
	object.FailUpload = true

	result, err := router.Replicate(context.Background(), media, []byte("bytes"), UploadParams{Filename: "photo.jpg"})
	require.Nil(t, result)
	require.True(t, fferr.Is(err, fferr.ProviderFailure))
}

func TestByName(t *testing.T) {
	router, media, object := newTestRouter()

	p, err := router.ByName("media")
	require.NoError(t, err)
	require.Equal(t, media.Name(), p.Name())

	p, err = router.ByName("object")
	require.NoError(t, err)
	require.Equal(t, object.Name(), p.Name())

	_, err = router.ByName("glacier")
	require.True(t, fferr.Is(err, fferr.NotFound))
}

func TestCheckSupports(t *testing.T) {
	media := NewMockProvider("media", ffmodel.TypeCategoryImage)
	media.MaxSize = 100

	require.NoError(t, CheckSupports(media, ffmodel.TypeCategoryImage, 100))

	err := CheckSupports(media, ffmodel.TypeCategoryDocument, 10)
	require.True(t, fferr.Is(err, fferr.UnsupportedType))

	err = CheckSupports(media, ffmodel.TypeCategoryImage, 101)
	require.True(t, fferr.Is(err, fferr.TooLarge))
}
