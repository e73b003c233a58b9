// Package storage abstracts the remote stores that hold file bytes. Two
// providers exist: a Cloudinary-backed media store with native transform
// support, and an S3-backed general object store. The router picks the
// primary by type category and replicates a backup copy to the object
// store.
package storage

import (
	"context"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
)

type UploadParams struct {
	Filename string
	MimeType string
	Size     int64
	IsPublic bool
	Folder   string
	Metadata map[string]string
}

type UploadResult struct {
	URL      string
	ObjectID string
	Size     int64
	Format   string
	Metadata map[string]string
}

// Transform describes one requested derivation of a stored asset.
type Transform struct {
	Kind    string
	Width   int
	Height  int
	Format  string
	Quality int
}

// ProcessedByNone marks a ProcessResult from a provider without native
// transform capability: the original comes back unmodified.
const ProcessedByNone = "none"

type ProcessResult struct {
	URL         string
	Width       int
	Height      int
	Size        int64
	Format      string
	ProcessedBy string
}

// Provider is one remote store. Upload failures are never retried here;
// retry policy belongs to the job queue.
type Provider interface {
	Name() string

	// SupportedTypes lists the type categories this provider accepts.
	SupportedTypes() []string

	MaxFileSize() int64

	Upload(ctx context.Context, data []byte, params UploadParams) (*UploadResult, error)

	// Process derives a transformed rendition of an already stored asset.
	// Providers without native transforms return the original with
	// ProcessedBy set to ProcessedByNone.
	Process(ctx context.Context, existingURL string, transform Transform) (*ProcessResult, error)

	// Delete removes the remote object. With force set, provider errors
	// are swallowed and success is reported; without it they propagate.
	Delete(ctx context.Context, objectID string, force bool) (bool, error)

	GetInfo(ctx context.Context, objectID string) (map[string]string, error)

	SignedURL(ctx context.Context, objectID string, ttl time.Duration) (string, error)
}

// CheckSupports validates a file against a provider's declared limits.
// Callers must run this before Upload.
func CheckSupports(p Provider, typeCategory string, size int64) error {
	const op = "storage.CheckSupports"

	supported := false
	for _, t := range p.SupportedTypes() {
		if t == typeCategory {
			supported = true
			break
		}
	}

	if !supported {
		return fferr.Errorf(fferr.UnsupportedType, op, "provider %s does not accept %s", p.Name(), typeCategory)
	}

	if max := p.MaxFileSize(); max > 0 && size > max {
		return fferr.Errorf(fferr.TooLarge, op, "%d bytes exceeds provider %s limit of %d", size, p.Name(), max)
	}

	return nil
}
