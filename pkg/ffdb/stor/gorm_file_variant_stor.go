package stor

import (
	"errors"

	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"gorm.io/gorm"
)

type GormFileVariantStor struct {
	db *gorm.DB
}

func NewGormFileVariantStor(db *gorm.DB) *GormFileVariantStor {
	return &GormFileVariantStor{db: db}
}

// UpsertVariant creates the variant or overwrites an existing (file, kind)
// row so that processing job retries stay idempotent.
func (s *GormFileVariantStor) UpsertVariant(variant *ffmodel.FileVariant) (*ffmodel.FileVariant, error) {
	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		var existing ffmodel.FileVariant
		err := tx.Where("file_id = ?", variant.FileID).
			Where("kind = ?", variant.Kind).
			First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(variant).Error
		case err != nil:
			return err
		default:
			variant.ID = existing.ID
			return tx.Model(&existing).Updates(map[string]interface{}{
				"url":    variant.URL,
				"width":  variant.Width,
				"height": variant.Height,
				"size":   variant.Size,
				"format": variant.Format,
			}).Error
		}
	})
	if err != nil {
		return nil, err
	}

	return variant, nil
}

func (s *GormFileVariantStor) GetVariantsForFile(fileID int) ([]ffmodel.FileVariant, error) {
	var variants []ffmodel.FileVariant
	err := s.db.Where("file_id = ?", fileID).
		Order("kind").
		Find(&variants).Error
	if err != nil {
		return nil, err
	}

	return variants, nil
}

func (s *GormFileVariantStor) DeleteVariantsForFile(fileID int) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Where("file_id = ?", fileID).
			Delete(&ffmodel.FileVariant{}).Error
	})
}
