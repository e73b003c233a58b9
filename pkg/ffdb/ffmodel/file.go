package ffmodel

import (
	"encoding/json"
	"strings"
	"time"
)

// File statuses. A file is created as Uploading the moment its bytes are
// accepted and only transitions to Ready once the accept worker has stored
// it with a provider.
const (
	FileStatusUploading  = "uploading"
	FileStatusProcessing = "processing"
	FileStatusReady      = "ready"
	FileStatusFailed     = "failed"
	FileStatusDeleted    = "deleted"
)

// Type categories derived from the mime type, used for provider routing.
const (
	TypeCategoryImage    = "image"
	TypeCategoryVideo    = "video"
	TypeCategoryAudio    = "audio"
	TypeCategoryDocument = "document"
	TypeCategoryArchive  = "archive"
	TypeCategoryOther    = "other"
)

// Privacy levels for stored files.
const (
	PrivacyPublic    = "public"
	PrivacyPrivate   = "private"
	PrivacyProtected = "protected"
)

type File struct {
	ID              int        `json:"id" gorm:"primaryKey"`
	UUID            string     `json:"uuid" gorm:"size:64;uniqueIndex;not null"`
	OwnerID         string     `json:"owner_id" gorm:"size:64;index;index:idx_owner_checksum;not null"`
	OriginalName    string     `json:"original_name" gorm:"size:255"`
	GeneratedName   string     `json:"generated_name" gorm:"size:255;uniqueIndex"`
	MimeType        string     `json:"mime_type" gorm:"size:128"`
	TypeCategory    string     `json:"type_category" gorm:"size:16;index"`
	Size            int64      `json:"size"`
	Checksum        string     `json:"checksum" gorm:"size:64;index:idx_owner_checksum"`
	PrimaryProvider string     `json:"primary_provider" gorm:"size:32"`
	PrimaryURL      string     `json:"primary_url" gorm:"size:1024"`
	BackupProvider  string     `json:"backup_provider" gorm:"size:32"`
	BackupURL       string     `json:"backup_url" gorm:"size:1024"`
	Category        string     `json:"category" gorm:"size:32;index"`
	Privacy         string     `json:"privacy" gorm:"size:16"`
	Status          string     `json:"status" gorm:"size:16;index"`
	MetadataJSON    string     `json:"-" gorm:"column:metadata;type:text"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}

func (File) TableName() string {
	return "files"
}

func (f File) IsTerminal() bool {
	switch f.Status {
	case FileStatusReady, FileStatusFailed, FileStatusDeleted:
		return true
	default:
		return false
	}
}

func (f File) IsPublic() bool {
	return f.Privacy == PrivacyPublic
}

// Metadata decodes the open key/value metadata map. An empty or corrupt
// column decodes to an empty map.
func (f File) Metadata() map[string]string {
	m := make(map[string]string)
	if f.MetadataJSON == "" {
		return m
	}

	if err := json.Unmarshal([]byte(f.MetadataJSON), &m); err != nil {
		return make(map[string]string)
	}

	return m
}

func (f *File) SetMetadata(m map[string]string) {
	if len(m) == 0 {
		f.MetadataJSON = ""
		return
	}

	b, err := json.Marshal(m)
	if err != nil {
		return
	}

	f.MetadataJSON = string(b)
}

// MergeMetadata folds entries into the existing metadata map, overwriting
// keys that already exist.
func (f *File) MergeMetadata(entries map[string]string) {
	if len(entries) == 0 {
		return
	}

	m := f.Metadata()
	for k, v := range entries {
		m[k] = v
	}
	f.SetMetadata(m)
}

var documentMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                     true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
}

var archiveMimeTypes = map[string]bool{
	"application/zip":              true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-tar":            true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/vnd.rar":          true,
	"application/x-bzip2":          true,
}

// TypeCategoryFromMime maps a mime type to the category used for provider
// routing and job priority.
func TypeCategoryFromMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return TypeCategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return TypeCategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return TypeCategoryAudio
	case strings.HasPrefix(mimeType, "text/"):
		return TypeCategoryDocument
	case documentMimeTypes[mimeType]:
		return TypeCategoryDocument
	case archiveMimeTypes[mimeType]:
		return TypeCategoryArchive
	default:
		return TypeCategoryOther
	}
}
