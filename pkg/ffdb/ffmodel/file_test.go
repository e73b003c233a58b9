package ffmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeCategoryFromMime(t *testing.T) {
	tests := []struct {
		mimeType string
		want     string
	}{
		{"image/png", TypeCategoryImage},
		{"image/jpeg; charset=binary", TypeCategoryImage},
		{"video/mp4", TypeCategoryVideo},
		{"audio/mpeg", TypeCategoryAudio},
		{"application/pdf", TypeCategoryDocument},
		{"text/plain", TypeCategoryDocument},
		{"application/zip", TypeCategoryArchive},
		{"application/x-7z-compressed", TypeCategoryArchive},
		{"application/octet-stream", TypeCategoryOther},
		{"", TypeCategoryOther},
	}

	for _, test := range tests {
		t.Run(test.mimeType, func(t *testing.T) {
			require.Equal(t, test.want, TypeCategoryFromMime(test.mimeType))
		})
	}
}

func TestMetadataRoundTripAndMerge(t *testing.T) {
	var f File

	require.Empty(t, f.Metadata())

	f.SetMetadata(map[string]string{"width": "800"})
	f.MergeMetadata(map[string]string{"height": "600", "width": "1024"})

	m := f.Metadata()
	require.Equal(t, "1024", m["width"])
	require.Equal(t, "600", m["height"])
}

func TestFileIsTerminal(t *testing.T) {
	require.False(t, File{Status: FileStatusUploading}.IsTerminal())
	require.False(t, File{Status: FileStatusProcessing}.IsTerminal())
	require.True(t, File{Status: FileStatusReady}.IsTerminal())
	require.True(t, File{Status: FileStatusFailed}.IsTerminal())
	require.True(t, File{Status: FileStatusDeleted}.IsTerminal())
}
