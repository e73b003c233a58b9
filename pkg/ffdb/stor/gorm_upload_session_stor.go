package stor

import (
	"errors"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/hashicorp/go-uuid"
	"gorm.io/gorm"
)

type GormUploadSessionStor struct {
	db *gorm.DB
}

func NewGormUploadSessionStor(db *gorm.DB) *GormUploadSessionStor {
	return &GormUploadSessionStor{db: db}
}

func (s *GormUploadSessionStor) CreateSession(session *ffmodel.UploadSession) (*ffmodel.UploadSession, error) {
	var err error

	if session.UUID == "" {
		if session.UUID, err = uuid.GenerateUUID(); err != nil {
			return nil, err
		}
	}

	if session.Status == "" {
		session.Status = ffmodel.SessionStatusActive
	}

	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(ffmodel.SessionTTL)
	}

	err = WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(session).Error
	})

	return session, err
}

// GetSessionForOwner masks ownership mismatches as not-found so sessions
// never leak across users.
func (s *GormUploadSessionStor) GetSessionForOwner(sessionUUID, ownerID string) (*ffmodel.UploadSession, error) {
	var session ffmodel.UploadSession
	err := s.db.Where("uuid = ?", sessionUUID).
		Where("owner_id = ?", ownerID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fferr.E(fferr.NotFound, "stor.GetSessionForOwner", err)
		}
		return nil, err
	}

	return &session, nil
}

// AddChunk records a successfully written chunk. The row is re-read inside
// the transaction so two concurrent writers cannot double-count
// uploadedSize or race the Completed transition. A duplicate index is a
// no-op that returns the current session.
func (s *GormUploadSessionStor) AddChunk(sessionUUID string, chunkIndex int, byteLen int64) (*ffmodel.UploadSession, error) {
	var session ffmodel.UploadSession

	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", sessionUUID).First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fferr.E(fferr.NotFound, "stor.AddChunk", err)
			}
			return err
		}

		if !session.IsWritable() {
			return fferr.Errorf(fferr.SessionNotWritable, "stor.AddChunk", "session %s is %s", sessionUUID, session.Status)
		}

		if session.HasChunk(chunkIndex) {
			// Idempotent retry of an already recorded chunk.
			return nil
		}

		chunks := append(session.ChunkSet(), chunkIndex)
		if err := session.SetChunkSet(chunks); err != nil {
			return err
		}

		session.UploadedSize += byteLen
		if len(chunks) == session.TotalChunks {
			session.Status = ffmodel.SessionStatusCompleted
		}

		return tx.Model(&session).Updates(map[string]interface{}{
			"uploaded_chunks": session.UploadedChunks,
			"uploaded_size":   session.UploadedSize,
			"status":          session.Status,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *GormUploadSessionStor) MarkSessionFailed(sessionUUID string) error {
	return s.markStatus(sessionUUID, ffmodel.SessionStatusFailed)
}

func (s *GormUploadSessionStor) MarkSessionExpired(sessionUUID string) error {
	return s.markStatus(sessionUUID, ffmodel.SessionStatusExpired)
}

// markStatus only ever transitions out of Active. Terminal states stay
// put, so marking an already Completed or Failed session is a no-op.
func (s *GormUploadSessionStor) markStatus(sessionUUID, status string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&ffmodel.UploadSession{}).
			Where("uuid = ?", sessionUUID).
			Where("status = ?", ffmodel.SessionStatusActive).
			Update("status", status).Error
	})
}

func (s *GormUploadSessionStor) DeleteSession(sessionUUID string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Where("uuid = ?", sessionUUID).
			Delete(&ffmodel.UploadSession{}).Error
	})
}

func (s *GormUploadSessionStor) ListExpiredActiveSessions(now time.Time) ([]ffmodel.UploadSession, error) {
	var sessions []ffmodel.UploadSession
	err := s.db.Where("status = ?", ffmodel.SessionStatusActive).
		Where("expires_at < ?", now).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// ActiveTempPaths returns the temp file paths every non-terminal session
// still owns, used by the sweeper's orphan scan.
func (s *GormUploadSessionStor) ActiveTempPaths() (map[string]bool, error) {
	var sessions []ffmodel.UploadSession
	err := s.db.Select("temp_path").
		Where("status IN ?", []string{ffmodel.SessionStatusActive, ffmodel.SessionStatusCompleted}).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	paths := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		paths[session.TempPath] = true
	}

	return paths, nil
}
