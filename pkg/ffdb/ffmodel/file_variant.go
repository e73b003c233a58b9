package ffmodel

import "time"

// Variant kinds generated by the processing workers.
const (
	VariantThumbnail  = "thumbnail"
	VariantCompressed = "compressed"
	VariantConverted  = "converted"
	VariantPreview    = "preview"
)

// FileVariant is a derived rendition of a stored file. Variants are unique
// per (file, kind) and are cascade-deleted with their parent file.
type FileVariant struct {
	ID        int       `json:"id" gorm:"primaryKey"`
	FileID    int       `json:"file_id" gorm:"uniqueIndex:idx_file_kind;not null"`
	Kind      string    `json:"kind" gorm:"size:32;uniqueIndex:idx_file_kind;not null"`
	URL       string    `json:"url" gorm:"size:1024"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Size      int64     `json:"size"`
	Format    string    `json:"format" gorm:"size:16"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FileVariant) TableName() string {
	return "file_variants"
}
