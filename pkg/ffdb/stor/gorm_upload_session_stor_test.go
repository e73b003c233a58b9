package stor

import (
	"testing"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, sessionStor UploadSessionStor) *ffmodel.UploadSession {
	session, err := sessionStor.CreateSession(&ffmodel.UploadSession{
		OwnerID:     "u1",
		Filename:    "movie.mp4",
		MimeType:    "video/mp4",
		TotalSize:   10,
		ChunkSize:   2,
		TotalChunks: 5,
		TempPath:    "/tmp/fileforge/sess",
	})
	require.NoError(t, err)
	return session
}

func TestCreateSessionDefaults(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))

	session := newTestSession(t, sessionStor)
	require.NotEmpty(t, session.UUID)
	require.Equal(t, ffmodel.SessionStatusActive, session.Status)
	require.WithinDuration(t, time.Now().Add(ffmodel.SessionTTL), session.ExpiresAt, time.Minute)
}

func TestGetSessionForOwnerMasksOwnership(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	_, err := sessionStor.GetSessionForOwner(session.UUID, "u1")
	require.NoError(t, err)

	_, err = sessionStor.GetSessionForOwner(session.UUID, "intruder")
	require.True(t, fferr.Is(err, fferr.NotFound))
}

func TestAddChunkTracksSizeAndCompletes(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	// Chunks arrive out of order; completion is by cardinality only.
	for _, index := range []int{4, 2, 0, 3} {
		updated, err := sessionStor.AddChunk(session.UUID, index, 2)
		require.NoError(t, err)
		require.Equal(t, ffmodel.SessionStatusActive, updated.Status)
	}

	updated, err := sessionStor.AddChunk(session.UUID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, ffmodel.SessionStatusCompleted, updated.Status)
	require.EqualValues(t, 10, updated.UploadedSize)
	require.Empty(t, updated.MissingChunks())
}

func TestAddChunkDuplicateIsNoOp(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	first, err := sessionStor.AddChunk(session.UUID, 0, 2)
	require.NoError(t, err)

	second, err := sessionStor.AddChunk(session.UUID, 0, 2)
	require.NoError(t, err)
	require.Equal(t, first.UploadedSize, second.UploadedSize)
	require.Equal(t, first.ChunkSet(), second.ChunkSet())
}

func TestAddChunkRejectsNonWritableSession(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	require.NoError(t, sessionStor.MarkSessionFailed(session.UUID))

	_, err := sessionStor.AddChunk(session.UUID, 0, 2)
	require.True(t, fferr.Is(err, fferr.SessionNotWritable))
}

func TestMarkStatusLeavesTerminalSessionsAlone(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	for index := 0; index < 5; index++ {
		_, err := sessionStor.AddChunk(session.UUID, index, 2)
		require.NoError(t, err)
	}

	// A Completed session never regresses to Failed or Expired.
	require.NoError(t, sessionStor.MarkSessionFailed(session.UUID))
	require.NoError(t, sessionStor.MarkSessionExpired(session.UUID))

	reloaded, err := sessionStor.GetSessionForOwner(session.UUID, "u1")
	require.NoError(t, err)
	require.Equal(t, ffmodel.SessionStatusCompleted, reloaded.Status)
}

func TestListExpiredActiveSessions(t *testing.T) {
	db := newTestDB(t)
	sessionStor := NewGormUploadSessionStor(db)

	expired, err := sessionStor.CreateSession(&ffmodel.UploadSession{
		OwnerID:     "u1",
		Filename:    "old.bin",
		TotalSize:   10,
		ChunkSize:   2,
		TotalChunks: 5,
		ExpiresAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_ = newTestSession(t, sessionStor)

	stale, err := sessionStor.ListExpiredActiveSessions(time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, expired.UUID, stale[0].UUID)

	// Once expired it no longer shows up in the sweep scan.
	require.NoError(t, sessionStor.MarkSessionExpired(expired.UUID))
	stale, err = sessionStor.ListExpiredActiveSessions(time.Now())
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestDeleteSessionAndActiveTempPaths(t *testing.T) {
	sessionStor := NewGormUploadSessionStor(newTestDB(t))
	session := newTestSession(t, sessionStor)

	paths, err := sessionStor.ActiveTempPaths()
	require.NoError(t, err)
	require.True(t, paths[session.TempPath])

	require.NoError(t, sessionStor.DeleteSession(session.UUID))

	_, err = sessionStor.GetSessionForOwner(session.UUID, "u1")
	require.True(t, fferr.Is(err, fferr.NotFound))
}
