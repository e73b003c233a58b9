package stor

import (
	"errors"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/hashicorp/go-uuid"
	"gorm.io/gorm"
)

type GormFileStor struct {
	db *gorm.DB
}

func NewGormFileStor(db *gorm.DB) *GormFileStor {
	return &GormFileStor{db: db}
}

func (s *GormFileStor) CreateFile(file *ffmodel.File) (*ffmodel.File, error) {
	var err error

	if file.UUID == "" {
		if file.UUID, err = uuid.GenerateUUID(); err != nil {
			return nil, err
		}
	}

	if file.Status == "" {
		file.Status = ffmodel.FileStatusUploading
	}

	if file.TypeCategory == "" {
		file.TypeCategory = ffmodel.TypeCategoryFromMime(file.MimeType)
	}

	err = WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(file).Error
	})

	return file, err
}

// GetFileByUUID looks a file up scoped to its owner. A file owned by a
// different user behaves as not-found so existence never leaks.
func (s *GormFileStor) GetFileByUUID(fileUUID, ownerID string) (*ffmodel.File, error) {
	var file ffmodel.File
	err := s.db.Where("uuid = ?", fileUUID).
		Where("owner_id = ?", ownerID).
		Where("deleted_at IS NULL").
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fferr.E(fferr.NotFound, "stor.GetFileByUUID", err)
		}
		return nil, err
	}

	return &file, nil
}

// GetFileByUUIDAnyOwner is used by queue workers, which already received a
// trusted file reference from the enqueue path.
func (s *GormFileStor) GetFileByUUIDAnyOwner(fileUUID string) (*ffmodel.File, error) {
	var file ffmodel.File
	err := s.db.Where("uuid = ?", fileUUID).
		Where("deleted_at IS NULL").
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fferr.E(fferr.NotFound, "stor.GetFileByUUIDAnyOwner", err)
		}
		return nil, err
	}

	return &file, nil
}

// FindReadyFileByChecksum is the dedup lookup: only Ready rows count, and
// the scope is per owner.
func (s *GormFileStor) FindReadyFileByChecksum(ownerID, checksum string) (*ffmodel.File, error) {
	var file ffmodel.File
	err := s.db.Where("owner_id = ?", ownerID).
		Where("checksum = ?", checksum).
		Where("status = ?", ffmodel.FileStatusReady).
		Where("deleted_at IS NULL").
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fferr.E(fferr.NotFound, "stor.FindReadyFileByChecksum", err)
		}
		return nil, err
	}

	return &file, nil
}

// MarkFileStored records the primary provider and URL and flips the file to
// Ready, merging any provider-reported metadata. Safe to repeat.
func (s *GormFileStor) MarkFileStored(file *ffmodel.File, provider, url string, metadata map[string]string) (*ffmodel.File, error) {
	file.PrimaryProvider = provider
	file.PrimaryURL = url
	file.Status = ffmodel.FileStatusReady
	file.MergeMetadata(metadata)

	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(file).Updates(map[string]interface{}{
			"primary_provider": provider,
			"primary_url":      url,
			"status":           ffmodel.FileStatusReady,
			"metadata":         file.MetadataJSON,
		}).Error
	})

	return file, err
}

func (s *GormFileStor) MarkFileProcessing(file *ffmodel.File) error {
	file.Status = ffmodel.FileStatusProcessing
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(file).Update("status", ffmodel.FileStatusProcessing).Error
	})
}

func (s *GormFileStor) MarkFileFailed(file *ffmodel.File, note string) error {
	file.Status = ffmodel.FileStatusFailed
	file.MergeMetadata(map[string]string{"error": note})

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(file).Updates(map[string]interface{}{
			"status":   ffmodel.FileStatusFailed,
			"metadata": file.MetadataJSON,
		}).Error
	})
}

// SetFileBackup records where the replica landed. The backup object id
// goes into metadata so DeleteFile can reach the replica later.
func (s *GormFileStor) SetFileBackup(file *ffmodel.File, provider, url, objectID string) error {
	file.BackupProvider = provider
	file.BackupURL = url
	file.MergeMetadata(map[string]string{"backup_object_id": objectID})

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(file).Updates(map[string]interface{}{
			"backup_provider": provider,
			"backup_url":      url,
			"metadata":        file.MetadataJSON,
		}).Error
	})
}

// SoftDeleteFile marks the row deleted without removing it. Variants are
// removed with the parent by the caller; the remote object deletion is the
// provider's concern.
func (s *GormFileStor) SoftDeleteFile(file *ffmodel.File) error {
	now := time.Now()
	file.Status = ffmodel.FileStatusDeleted
	file.DeletedAt = &now

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(file).Updates(map[string]interface{}{
			"status":     ffmodel.FileStatusDeleted,
			"deleted_at": now,
		}).Error
	})
}

func (s *GormFileStor) CountFilesByStatus(status string) (int64, error) {
	var count int64
	err := s.db.Model(&ffmodel.File{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
