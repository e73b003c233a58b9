package storage

import (
	"context"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/fferr"
)

// BackupFolder is where replicated copies land in the object store.
const BackupFolder = "backups"

// Router picks the primary provider for a file and replicates a backup
// copy to the object store.
type Router struct {
	media  Provider
	object Provider
}

// NewRouter wires the media store (transform-capable, images and video)
// and the general object store. Either may be nil; Choose falls back to
// whichever exists.
func NewRouter(media, object Provider) *Router {
	return &Router{media: media, object: object}
}

// Choose returns the primary provider for a type category: media types go
// to the media store, everything else to the object store.
func (r *Router) Choose(typeCategory string) (Provider, error) {
	const op = "storage.Router.Choose"

	switch typeCategory {
	case ffmodel.TypeCategoryImage, ffmodel.TypeCategoryVideo:
		if r.media != nil {
			return r.media, nil
		}
	}

	if r.object != nil {
		return r.object, nil
	}

	if r.media != nil {
		return r.media, nil
	}

	return nil, fferr.Errorf(fferr.ProviderFailure, op, "no provider configured for %s", typeCategory)
}

// Replicate writes a backup copy of the file to the object store. It is
// best effort: failures are logged and reported, never fatal to the file.
// When the primary already is the object store there is nothing to
// replicate.
func (r *Router) Replicate(ctx context.Context, primary Provider, data []byte, params UploadParams) (*UploadResult, error) {
	const op = "storage.Router.Replicate"

	if r.object == nil || primary.Name() == r.object.Name() {
		return nil, nil
	}

	backupParams := params
	backupParams.IsPublic = false
	backupParams.Folder = BackupFolder

	result, err := r.object.Upload(ctx, data, backupParams)
	if err != nil {
		clog.UsingCtx("storage-router").WithFields(log.Fields{
			"filename": params.Filename,
			"provider": r.object.Name(),
		}).Errorf("backup replication failed: %s", err)
		return nil, fferr.E(fferr.ProviderFailure, op, err)
	}

	return result, nil
}

// ByName resolves a provider from its stored name so delete and signing
// paths reach the same store that holds the bytes.
func (r *Router) ByName(name string) (Provider, error) {
	const op = "storage.Router.ByName"

	switch {
	case r.media != nil && r.media.Name() == name:
		return r.media, nil
	case r.object != nil && r.object.Name() == name:
		return r.object, nil
	default:
		return nil, fferr.Errorf(fferr.NotFound, op, "no provider named %s", name)
	}
}

// ObjectStore exposes the backup target for callers that need to clean up
// replicated copies.
func (r *Router) ObjectStore() Provider {
	return r.object
}
