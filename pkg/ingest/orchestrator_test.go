package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/queue"
	"github.com/fileforge/fileforge/pkg/storage"
	"github.com/fileforge/fileforge/pkg/uploads"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testIngest struct {
	orchestrator *Orchestrator
	queue        *queue.InMemQueue
	media        *storage.MockProvider
	object       *storage.MockProvider
	stors        *stor.Stors
	sessions     *uploads.SessionManager
}

type fakeScanner struct {
	infected  bool
	signature string
	err       error
}

func (s *fakeScanner) Scan(_ context.Context, _ []byte) (*ScanResult, error) {
	if s.err != nil {
		return nil, s.err
	}

	return &ScanResult{Infected: s.infected, Signature: s.signature}, nil
}

func newTestIngest(t *testing.T, policy *Policy, scanner Scanner) *testIngest {
	stors := newTestStors(t)

	media := storage.NewMockProvider("media", ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo)
	object := storage.NewMockProvider("object",
		ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo, ffmodel.TypeCategoryAudio,
		ffmodel.TypeCategoryDocument, ffmodel.TypeCategoryArchive, ffmodel.TypeCategoryOther)

	q := queue.NewInMemQueue()
	t.Cleanup(func() {
		q.Close()
	})

	sessions := uploads.NewSessionManager(stors.UploadSessionStor, t.TempDir())

	orchestrator := NewOrchestrator(OrchestratorParams{
		Stors:      stors,
		Queue:      q,
		Router:     storage.NewRouter(media, object),
		Policy:     policy,
		Scanner:    scanner,
		Sessions:   sessions,
		StagingDir: t.TempDir(),
	})
	t.Cleanup(orchestrator.WaitBackground)

	return &testIngest{
		orchestrator: orchestrator,
		queue:        q,
		media:        media,
		object:       object,
		stors:        stors,
		sessions:     sessions,
	}
}

func TestSubmitUploadPersistsAndQueues(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	file, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "photo.png",
		MimeType: "image/png",
		OwnerID:  "u1",
	})
	require.NoError(t, err)

	require.Equal(t, ffmodel.FileStatusUploading, file.Status)
	require.Equal(t, ffmodel.TypeCategoryImage, file.TypeCategory)
	require.Equal(t, ffmodel.PrivacyPrivate, file.Privacy)
	require.NotEmpty(t, file.Checksum)
	require.NotEqual(t, "photo.png", file.GeneratedName)

	// Staged bytes wait for the accept worker.
	staged, err := os.ReadFile(ti.orchestrator.stagingPath(file.UUID))
	require.NoError(t, err)
	require.Equal(t, pngHeader, staged)

	// Image uploads jump the queue.
	delivery, err := ti.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, JobKindAccept, delivery.Job.Kind)
	require.Equal(t, queue.PriorityHigh, delivery.Job.Priority)
	require.Equal(t, file.UUID, delivery.Job.Payload["file"])
}

func TestSubmitUploadRequiresOwner(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)

	_, err := ti.orchestrator.SubmitUpload(context.Background(), []byte("x"), SubmitOpts{Filename: "f"})
	require.True(t, fferr.Is(err, fferr.InvalidArgument))
}

func TestSubmitUploadPolicyRejection(t *testing.T) {
	ti := newTestIngest(t, &Policy{AllowedTypes: []string{"image/*"}}, nil)

	_, err := ti.orchestrator.SubmitUpload(context.Background(), []byte("data"), SubmitOpts{
		Filename: "evil.exe",
		MimeType: "application/x-msdownload",
		OwnerID:  "u1",
	})
	require.True(t, fferr.Is(err, fferr.Rejected))

	stats, err := ti.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Waiting)
}

func TestSubmitUploadInfectedContent(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, &fakeScanner{infected: true, signature: "Eicar-Test-Signature"})

	_, err := ti.orchestrator.SubmitUpload(context.Background(), []byte("data"), SubmitOpts{
		Filename: "virus.bin",
		MimeType: "application/octet-stream",
		OwnerID:  "u1",
	})
	require.True(t, fferr.Is(err, fferr.SuspiciousContent))
	require.Contains(t, err.Error(), "Eicar-Test-Signature")
}

func TestSubmitUploadScannerDownPolicyModes(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("connection refused")}

	strict := newTestIngest(t, &Policy{StrictScan: true}, scanner)
	_, err := strict.orchestrator.SubmitUpload(context.Background(), []byte("data"), SubmitOpts{
		Filename: "f.bin", MimeType: "application/octet-stream", OwnerID: "u1",
	})
	require.True(t, fferr.Is(err, fferr.Rejected))

	lenient := newTestIngest(t, &Policy{}, scanner)
	_, err = lenient.orchestrator.SubmitUpload(context.Background(), []byte("data"), SubmitOpts{
		Filename: "f.bin", MimeType: "application/octet-stream", OwnerID: "u1",
	})
	require.NoError(t, err)
}

func TestSubmitUploadDedupPerOwner(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	first, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "photo.png", MimeType: "image/png", OwnerID: "u1",
	})
	require.NoError(t, err)

	// Run the accept so the file reaches Ready; only Ready files dedup.
	runAccept(t, ti)

	again, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "copy-of-photo.png", MimeType: "image/png", OwnerID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, first.UUID, again.UUID)

	// No new job for the duplicate.
	stats, err := ti.queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Waiting)

	// A different owner with identical bytes gets their own record.
	other, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "photo.png", MimeType: "image/png", OwnerID: "u2",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.UUID, other.UUID)
}

func TestSubmitSessionHandOff(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	session, err := ti.sessions.InitUpload(uploads.InitUploadParams{
		Filename:  "movie.mp4",
		MimeType:  "video/mp4",
		TotalSize: 8,
		ChunkSize: 4,
		OwnerID:   "u1",
	})
	require.NoError(t, err)

	for index, data := range [][]byte{[]byte("aaaa"), []byte("bbbb")} {
		_, err := ti.sessions.UploadChunk(session.UUID, "u1", index, data)
		require.NoError(t, err)
	}

	file, err := ti.orchestrator.SubmitSession(ctx, session.UUID, "u1", SubmitOpts{})
	require.NoError(t, err)
	require.Equal(t, "movie.mp4", file.OriginalName)
	require.Equal(t, "video/mp4", file.MimeType)
	require.EqualValues(t, 8, file.Size)

	// The session is gone after the hand-off.
	_, err = ti.sessions.GetStatus(session.UUID, "u1")
	require.True(t, fferr.Is(err, fferr.NotFound))

	// And the bytes flow through the normal accept path.
	delivery, err := ti.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, file.UUID, delivery.Job.Payload["file"])
}

func TestSubmitSessionIncomplete(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)

	session, err := ti.sessions.InitUpload(uploads.InitUploadParams{
		Filename: "movie.mp4", TotalSize: 8, ChunkSize: 4, OwnerID: "u1",
	})
	require.NoError(t, err)

	_, err = ti.orchestrator.SubmitSession(context.Background(), session.UUID, "u1", SubmitOpts{})
	require.True(t, fferr.Is(err, fferr.NotCompleted))
}

func TestStatusIsOwnerScoped(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	file, err := ti.orchestrator.SubmitUpload(ctx, []byte("content"), SubmitOpts{
		Filename: "doc.txt", MimeType: "text/plain", OwnerID: "u1",
	})
	require.NoError(t, err)

	got, err := ti.orchestrator.Status(ctx, file.UUID, "u1")
	require.NoError(t, err)
	require.Equal(t, file.UUID, got.UUID)

	_, err = ti.orchestrator.Status(ctx, file.UUID, "intruder")
	require.True(t, fferr.Is(err, fferr.NotFound))
}

func TestDeleteFileCleansUpRemotes(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	file, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "photo.png", MimeType: "image/png", OwnerID: "u1",
	})
	require.NoError(t, err)
	runAccept(t, ti)

	require.NoError(t, ti.orchestrator.DeleteFile(ctx, file.UUID, "u1"))

	_, err = ti.orchestrator.Status(ctx, file.UUID, "u1")
	require.True(t, fferr.Is(err, fferr.NotFound))

	// Primary and backup copies both got a forced delete.
	require.NotEmpty(t, ti.media.Deleted)
	require.NotEmpty(t, ti.object.Deleted)
}

func TestSignedFileURL(t *testing.T) {
	ti := newTestIngest(t, &Policy{}, nil)
	ctx := context.Background()

	file, err := ti.orchestrator.SubmitUpload(ctx, pngHeader, SubmitOpts{
		Filename: "photo.png", MimeType: "image/png", OwnerID: "u1",
	})
	require.NoError(t, err)

	// Not stored yet.
	_, err = ti.orchestrator.SignedFileURL(ctx, file.UUID, "u1", 0)
	require.True(t, fferr.Is(err, fferr.NotCompleted))

	runAccept(t, ti)

	url, err := ti.orchestrator.SignedFileURL(ctx, file.UUID, "u1", 0)
	require.NoError(t, err)
	require.Contains(t, url, "media.test")
}

// runAccept drains one accept job through the handler.
func runAccept(t *testing.T, ti *testIngest) {
	t.Helper()

	ctx := context.Background()
	delivery, err := ti.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, JobKindAccept, delivery.Job.Kind)

	require.NoError(t, ti.orchestrator.AcceptHandler()(ctx, delivery.Job))
	require.NoError(t, delivery.Ack(ctx))
	ti.orchestrator.WaitBackground()
}
