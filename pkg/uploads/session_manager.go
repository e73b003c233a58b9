// Package uploads implements the resumable chunked-upload manager. A
// session pre-allocates a temp file of the declared size and writes each
// chunk at its fixed byte offset (chunkIndex * chunkSize), so chunks can
// arrive out of order and a retried chunk rewrites the same bytes.
package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/fileforge/fileforge/pkg/lock"
	"github.com/hashicorp/go-uuid"
)

type SessionManager struct {
	sessionStor stor.UploadSessionStor
	locker      *lock.IdLocker
	tempDir     string
}

func NewSessionManager(sessionStor stor.UploadSessionStor, tempDir string) *SessionManager {
	return &SessionManager{
		sessionStor: sessionStor,
		locker:      lock.NewIdLocker(),
		tempDir:     tempDir,
	}
}

type InitUploadParams struct {
	Filename  string
	TotalSize int64
	MimeType  string
	ChunkSize int64
	OwnerID   string
	Metadata  map[string]string
}

// InitUpload creates a session and pre-allocates its temp file to exactly
// TotalSize bytes. Sparse allocation is fine; the bytes get filled in by
// chunk writes.
func (m *SessionManager) InitUpload(params InitUploadParams) (*ffmodel.UploadSession, error) {
	const op = "uploads.InitUpload"

	if params.TotalSize <= 0 {
		return nil, fferr.Errorf(fferr.InvalidArgument, op, "total size must be > 0, got %d", params.TotalSize)
	}

	if params.ChunkSize <= 0 {
		return nil, fferr.Errorf(fferr.InvalidArgument, op, "chunk size must be > 0, got %d", params.ChunkSize)
	}

	if params.OwnerID == "" {
		return nil, fferr.Errorf(fferr.InvalidArgument, op, "owner id is required")
	}

	if err := os.MkdirAll(m.tempDir, 0755); err != nil {
		return nil, err
	}

	sessionUUID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	session := &ffmodel.UploadSession{
		UUID:        sessionUUID,
		TempPath:    filepath.Join(m.tempDir, fmt.Sprintf("%s.upload", sessionUUID)),
		OwnerID:     params.OwnerID,
		Filename:    params.Filename,
		MimeType:    params.MimeType,
		TotalSize:   params.TotalSize,
		ChunkSize:   params.ChunkSize,
		TotalChunks: ffmodel.ChunkCount(params.TotalSize, params.ChunkSize),
		ExpiresAt:   time.Now().Add(ffmodel.SessionTTL),
	}

	if len(params.Metadata) > 0 {
		f := ffmodel.File{}
		f.SetMetadata(params.Metadata)
		session.MetadataJSON = f.MetadataJSON
	}

	// The row goes in first: the sweeper's orphan scan only spares temp
	// files a live session owns.
	session, err = m.sessionStor.CreateSession(session)
	if err != nil {
		return nil, err
	}

	if err := preallocate(session.TempPath, params.TotalSize); err != nil {
		if delErr := m.sessionStor.DeleteSession(session.UUID); delErr != nil {
			log.Errorf("Failed removing session %s after preallocation error: %s", session.UUID, delErr)
		}
		return nil, err
	}

	return session, nil
}

func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Truncate(size)
}

// UploadChunk writes one chunk's bytes at its offset and records it. The
// store update runs under the session's mutex so concurrent chunk writes
// for the same session cannot double-count uploadedSize or race the
// Completed transition.
func (m *SessionManager) UploadChunk(sessionUUID, ownerID string, chunkIndex int, data []byte) (*ffmodel.UploadSession, error) {
	const op = "uploads.UploadChunk"

	session, err := m.getUsableSession(sessionUUID, ownerID, op)
	if err != nil {
		return nil, err
	}

	if !session.IsWritable() {
		return nil, fferr.Errorf(fferr.SessionNotWritable, op, "session %s is %s", sessionUUID, session.Status)
	}

	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return nil, fferr.Errorf(fferr.InvalidChunkIndex, op,
			"chunk index %d outside [0, %d)", chunkIndex, session.TotalChunks)
	}

	if expected := session.ExpectedChunkSize(chunkIndex); int64(len(data)) != expected {
		return nil, fferr.Errorf(fferr.ChunkSizeMismatch, op,
			"chunk %d must be %d bytes, got %d", chunkIndex, expected, len(data))
	}

	if session.HasChunk(chunkIndex) {
		// Idempotent retry: same offset, same bytes. Nothing to record.
		return session, nil
	}

	var updated *ffmodel.UploadSession
	err = m.locker.WithLock(session.UUID, func() error {
		if err := writeChunkAt(session.TempPath, chunkIndex, session.ChunkSize, data); err != nil {
			if markErr := m.sessionStor.MarkSessionFailed(session.UUID); markErr != nil {
				log.Errorf("Failed marking session %s failed after write error: %s", session.UUID, markErr)
			}
			return err
		}

		var addErr error
		updated, addErr = m.sessionStor.AddChunk(session.UUID, chunkIndex, int64(len(data)))
		return addErr
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func writeChunkAt(path string, chunkIndex int, chunkSize int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, int64(chunkIndex)*chunkSize)
	return err
}

func (m *SessionManager) GetStatus(sessionUUID, ownerID string) (*ffmodel.UploadSession, error) {
	return m.getUsableSession(sessionUUID, ownerID, "uploads.GetStatus")
}

// GetMissingChunks returns the ordered chunk indices still outstanding. The
// full range comes back when nothing has been uploaded.
func (m *SessionManager) GetMissingChunks(sessionUUID, ownerID string) ([]int, error) {
	session, err := m.getUsableSession(sessionUUID, ownerID, "uploads.GetMissingChunks")
	if err != nil {
		return nil, err
	}

	return session.MissingChunks(), nil
}

// CompleteUpload reads back the assembled temp file. It is the integrity
// backstop before bytes are handed to the orchestrator: a byte count that
// does not match the declared total fails with SizeMismatch.
func (m *SessionManager) CompleteUpload(sessionUUID, ownerID string) ([]byte, *ffmodel.UploadSession, error) {
	const op = "uploads.CompleteUpload"

	session, err := m.getUsableSession(sessionUUID, ownerID, op)
	if err != nil {
		return nil, nil, err
	}

	if session.Status != ffmodel.SessionStatusCompleted {
		return nil, nil, fferr.Errorf(fferr.NotCompleted, op,
			"session %s is %s with %d chunks missing", sessionUUID, session.Status, len(session.MissingChunks()))
	}

	data, err := os.ReadFile(session.TempPath)
	if err != nil {
		return nil, nil, err
	}

	if int64(len(data)) != session.TotalSize {
		return nil, nil, fferr.Errorf(fferr.SizeMismatch, op,
			"read %d bytes, expected %d", len(data), session.TotalSize)
	}

	return data, session, nil
}

// CancelUpload marks the session Failed and removes its temp file.
// Idempotent when the file is already gone. A Completed session cannot
// be cancelled; its assembled bytes belong to the hand-off.
func (m *SessionManager) CancelUpload(sessionUUID, ownerID string) error {
	const op = "uploads.CancelUpload"

	session, err := m.getUsableSession(sessionUUID, ownerID, op)
	if err != nil {
		return err
	}

	if session.Status == ffmodel.SessionStatusCompleted {
		return fferr.Errorf(fferr.SessionNotWritable, op, "session %s is completed", sessionUUID)
	}

	if err := m.sessionStor.MarkSessionFailed(session.UUID); err != nil {
		return err
	}

	if err := os.Remove(session.TempPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	m.locker.Forget(session.UUID)

	return nil
}

// Destroy removes the session record and temp file after a successful
// hand-off to the orchestrator.
func (m *SessionManager) Destroy(sessionUUID, ownerID string) error {
	session, err := m.getUsableSession(sessionUUID, ownerID, "uploads.Destroy")
	if err != nil {
		return err
	}

	if err := os.Remove(session.TempPath); err != nil && !os.IsNotExist(err) {
		log.Errorf("Failed removing temp file %s: %s", session.TempPath, err)
	}

	m.locker.Forget(session.UUID)

	return m.sessionStor.DeleteSession(session.UUID)
}

// getUsableSession applies ownership masking and treats sessions past their
// expiry as not-found for every caller-facing operation. Only the sweep
// touches expired sessions.
func (m *SessionManager) getUsableSession(sessionUUID, ownerID, op string) (*ffmodel.UploadSession, error) {
	session, err := m.sessionStor.GetSessionForOwner(sessionUUID, ownerID)
	if err != nil {
		return nil, err
	}

	if session.Status == ffmodel.SessionStatusActive && session.IsExpired(time.Now()) {
		return nil, fferr.Errorf(fferr.NotFound, op, "session %s expired at %s", sessionUUID, session.ExpiresAt)
	}

	return session, nil
}
