package stor

import (
	"time"

	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"gorm.io/gorm"
)

type FileStor interface {
	CreateFile(file *ffmodel.File) (*ffmodel.File, error)
	GetFileByUUID(fileUUID, ownerID string) (*ffmodel.File, error)
	GetFileByUUIDAnyOwner(fileUUID string) (*ffmodel.File, error)
	FindReadyFileByChecksum(ownerID, checksum string) (*ffmodel.File, error)
	MarkFileStored(file *ffmodel.File, provider, url string, metadata map[string]string) (*ffmodel.File, error)
	MarkFileProcessing(file *ffmodel.File) error
	MarkFileFailed(file *ffmodel.File, note string) error
	SetFileBackup(file *ffmodel.File, provider, url, objectID string) error
	SoftDeleteFile(file *ffmodel.File) error
	CountFilesByStatus(status string) (int64, error)
}

type UploadSessionStor interface {
	CreateSession(session *ffmodel.UploadSession) (*ffmodel.UploadSession, error)
	GetSessionForOwner(sessionUUID, ownerID string) (*ffmodel.UploadSession, error)
	AddChunk(sessionUUID string, chunkIndex int, byteLen int64) (*ffmodel.UploadSession, error)
	MarkSessionFailed(sessionUUID string) error
	MarkSessionExpired(sessionUUID string) error
	DeleteSession(sessionUUID string) error
	ListExpiredActiveSessions(now time.Time) ([]ffmodel.UploadSession, error)
	ActiveTempPaths() (map[string]bool, error)
}

type FileVariantStor interface {
	UpsertVariant(variant *ffmodel.FileVariant) (*ffmodel.FileVariant, error)
	GetVariantsForFile(fileID int) ([]ffmodel.FileVariant, error)
	DeleteVariantsForFile(fileID int) error
}

type Stors struct {
	FileStor          FileStor
	UploadSessionStor UploadSessionStor
	FileVariantStor   FileVariantStor
}

func NewGormStors(db *gorm.DB) *Stors {
	return &Stors{
		FileStor:          NewGormFileStor(db),
		UploadSessionStor: NewGormUploadSessionStor(db),
		FileVariantStor:   NewGormFileVariantStor(db),
	}
}
