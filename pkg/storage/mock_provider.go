package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fileforge/fileforge/pkg/fferr"
)

// MockProvider is an in-memory Provider for tests. Every call is
// recorded, and each operation can be forced to fail.
type MockProvider struct {
	mu sync.Mutex

	ProviderName string
	Types        []string
	MaxSize      int64

	FailUpload  bool
	FailProcess bool
	FailDelete  bool

	// NoTransforms makes Process behave like a plain object store.
	NoTransforms bool

	Objects   map[string][]byte
	Uploads   []UploadParams
	Processed []Transform
	Deleted   []string
}

func NewMockProvider(name string, types ...string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Types:        types,
		MaxSize:      1024 * 1024,
		Objects:      make(map[string][]byte),
	}
}

func (m *MockProvider) Name() string {
	return m.ProviderName
}

func (m *MockProvider) SupportedTypes() []string {
	return m.Types
}

func (m *MockProvider) MaxFileSize() int64 {
	return m.MaxSize
}

func (m *MockProvider) Upload(_ context.Context, data []byte, params UploadParams) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpload {
		return nil, fferr.Errorf(fferr.ProviderFailure, "storage.MockProvider.Upload", "forced failure")
	}

	key := objectKey(params.Folder, params.Filename)
	m.Objects[key] = data
	m.Uploads = append(m.Uploads, params)

	return &UploadResult{
		URL:      fmt.Sprintf("https://%s.test/%s", m.ProviderName, key),
		ObjectID: key,
		Size:     int64(len(data)),
		Format:   formatFromFilename(params.Filename),
		Metadata: map[string]string{},
	}, nil
}

func (m *MockProvider) Process(_ context.Context, existingURL string, transform Transform) (*ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailProcess {
		return nil, fferr.Errorf(fferr.ProviderFailure, "storage.MockProvider.Process", "forced failure")
	}

	if m.NoTransforms {
		return &ProcessResult{URL: existingURL, ProcessedBy: ProcessedByNone}, nil
	}

	m.Processed = append(m.Processed, transform)

	return &ProcessResult{
		URL:         existingURL + "/" + transform.Kind,
		Width:       transform.Width,
		Height:      transform.Height,
		Format:      transform.Format,
		ProcessedBy: m.ProviderName,
	}, nil
}

func (m *MockProvider) Delete(_ context.Context, objectID string, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deleted = append(m.Deleted, objectID)

	if m.FailDelete {
		if force {
			return true, nil
		}
		return false, fferr.Errorf(fferr.ProviderFailure, "storage.MockProvider.Delete", "forced failure")
	}

	delete(m.Objects, objectID)

	return true, nil
}

func (m *MockProvider) GetInfo(_ context.Context, objectID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.Objects[objectID]
	if !ok {
		return nil, fferr.Errorf(fferr.NotFound, "storage.MockProvider.GetInfo", "no object %s", objectID)
	}

	return map[string]string{
		"key":  objectID,
		"size": fmt.Sprintf("%d", len(data)),
	}, nil
}

func (m *MockProvider) SignedURL(_ context.Context, objectID string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("https://%s.test/%s?expires=%d", m.ProviderName, objectID, expires), nil
}

// UploadCount returns how many uploads succeeded.
func (m *MockProvider) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Uploads)
}
