package ffmodel

import (
	"encoding/json"
	"sort"
	"time"
)

// Upload session statuses. The only transitions out of Active are to
// Completed, Failed or Expired.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
	SessionStatusExpired   = "expired"
)

// SessionTTL is how long a session stays usable after creation before the
// sweep expires it.
const SessionTTL = 24 * time.Hour

// UploadSession is one in-flight chunked upload. Chunks are written at fixed
// byte offsets into a pre-sized temp file so they can arrive in any order,
// and retries of the same chunk land on the same bytes.
type UploadSession struct {
	ID             int       `json:"id" gorm:"primaryKey"`
	UUID           string    `json:"uuid" gorm:"size:64;uniqueIndex;not null"`
	OwnerID        string    `json:"owner_id" gorm:"size:64;index;not null"`
	Filename       string    `json:"filename" gorm:"size:255;not null"`
	MimeType       string    `json:"mime_type" gorm:"size:128"`
	TotalSize      int64     `json:"total_size" gorm:"not null"`
	ChunkSize      int64     `json:"chunk_size" gorm:"not null"`
	TotalChunks    int       `json:"total_chunks" gorm:"not null"`
	UploadedChunks string    `json:"-" gorm:"column:uploaded_chunks;type:text"`
	UploadedSize   int64     `json:"uploaded_size"`
	Status         string    `json:"status" gorm:"size:16;index;default:'active'"`
	TempPath       string    `json:"-" gorm:"size:512"`
	MetadataJSON   string    `json:"-" gorm:"column:metadata;type:text"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (UploadSession) TableName() string {
	return "upload_sessions"
}

// ChunkCount computes the number of chunks for totalSize split into
// chunkSize pieces, with the final chunk carrying the remainder.
func ChunkCount(totalSize, chunkSize int64) int {
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// ChunkSet decodes the uploaded chunk indices. An empty column decodes to
// an empty slice.
func (s UploadSession) ChunkSet() []int {
	if s.UploadedChunks == "" {
		return nil
	}

	var chunks []int
	if err := json.Unmarshal([]byte(s.UploadedChunks), &chunks); err != nil {
		return nil
	}

	return chunks
}

func (s *UploadSession) SetChunkSet(chunks []int) error {
	sort.Ints(chunks)
	b, err := json.Marshal(chunks)
	if err != nil {
		return err
	}

	s.UploadedChunks = string(b)
	return nil
}

func (s UploadSession) HasChunk(index int) bool {
	for _, c := range s.ChunkSet() {
		if c == index {
			return true
		}
	}

	return false
}

// MissingChunks returns the ordered indices in [0, TotalChunks) that have
// not been uploaded yet.
func (s UploadSession) MissingChunks() []int {
	have := make(map[int]bool, len(s.ChunkSet()))
	for _, c := range s.ChunkSet() {
		have[c] = true
	}

	missing := make([]int, 0, s.TotalChunks-len(have))
	for i := 0; i < s.TotalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}

	return missing
}

// ExpectedChunkSize is the exact byte length required for the chunk at
// index. Every chunk except the last must be ChunkSize bytes; the last
// carries the remainder, or a full ChunkSize when the total divides evenly.
func (s UploadSession) ExpectedChunkSize(index int) int64 {
	if index != s.TotalChunks-1 {
		return s.ChunkSize
	}

	remainder := s.TotalSize % s.ChunkSize
	if remainder == 0 {
		return s.ChunkSize
	}

	return remainder
}

func (s UploadSession) IsWritable() bool {
	return s.Status == SessionStatusActive
}

func (s UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
