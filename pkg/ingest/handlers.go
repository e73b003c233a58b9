package ingest

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/queue"
	"github.com/fileforge/fileforge/pkg/storage"
)

// uploadTimeout bounds a single provider upload attempt; the queue's
// backoff handles anything slower.
const uploadTimeout = 2 * time.Minute

// defaultTransforms maps a variant kind to its derivation parameters.
var defaultTransforms = map[string]storage.Transform{
	ffmodel.VariantThumbnail:  {Kind: ffmodel.VariantThumbnail, Width: 150, Height: 150, Format: "webp", Quality: 80},
	ffmodel.VariantPreview:    {Kind: ffmodel.VariantPreview, Width: 800, Height: 600, Format: "webp", Quality: 85},
	ffmodel.VariantCompressed: {Kind: ffmodel.VariantCompressed, Quality: 60},
	ffmodel.VariantConverted:  {Kind: ffmodel.VariantConverted, Format: "webp"},
}

// AcceptHandler returns the queue handler that moves staged bytes to
// their primary provider. Provider failures come back retryable; a
// missing file record or unsupported content is permanent.
func (o *Orchestrator) AcceptHandler() queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		const op = "ingest.AcceptHandler"
		logger := clog.UsingCtx("ingest-accept").WithField("job", job.ID)

		fileUUID := job.Payload["file"]

		file, err := o.stors.FileStor.GetFileByUUIDAnyOwner(fileUUID)
		if err != nil {
			return fferr.E(fferr.NotFound, op, err)
		}

		// A redelivered job for an already stored file has nothing to do.
		if file.Status == ffmodel.FileStatusReady {
			o.unstage(file.UUID)
			return nil
		}

		data, err := os.ReadFile(o.stagingPath(file.UUID))
		if err != nil {
			_ = o.stors.FileStor.MarkFileFailed(file, "staged bytes missing")
			return fferr.Errorf(fferr.NotFound, op, "no staged bytes for %s", file.UUID)
		}

		provider, err := o.router.Choose(file.TypeCategory)
		if err != nil {
			_ = o.stors.FileStor.MarkFileFailed(file, err.Error())
			return err
		}

		if err := storage.CheckSupports(provider, file.TypeCategory, file.Size); err != nil {
			_ = o.stors.FileStor.MarkFileFailed(file, err.Error())
			return err
		}

		if err := o.stors.FileStor.MarkFileProcessing(file); err != nil {
			return err
		}

		params := storage.UploadParams{
			Filename: file.GeneratedName,
			MimeType: file.MimeType,
			Size:     file.Size,
			IsPublic: file.IsPublic(),
			Folder:   file.TypeCategory,
			Metadata: map[string]string{"owner": file.OwnerID},
		}

		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		result, err := provider.Upload(uploadCtx, data, params)
		cancel()

		if err != nil {
			_ = o.stors.FileStor.MarkFileFailed(file, err.Error())
			return fferr.E(fferr.ProviderFailure, op, err)
		}

		// Identical bytes may have reached Ready through another submit
		// while this copy was in flight. Keep the first row, drop this one.
		if existing, derr := o.stors.FileStor.FindReadyFileByChecksum(file.OwnerID, file.Checksum); derr == nil && existing.ID != file.ID {
			if _, delErr := provider.Delete(ctx, result.ObjectID, true); delErr != nil {
				logger.Warnf("failed removing duplicate object %s: %s", result.ObjectID, delErr)
			}

			_ = o.stors.FileStor.MarkFileFailed(file, "duplicate of "+existing.UUID)
			if err := o.stors.FileStor.SoftDeleteFile(file); err != nil {
				return err
			}

			o.unstage(file.UUID)
			logger.WithFields(log.Fields{
				"file": file.UUID,
				"kept": existing.UUID,
			}).Info("duplicate content already stored, dropping copy")

			return nil
		}

		metadata := map[string]string{"object_id": result.ObjectID}
		for k, v := range result.Metadata {
			metadata[k] = v
		}

		if file, err = o.stors.FileStor.MarkFileStored(file, provider.Name(), result.URL, metadata); err != nil {
			return err
		}

		o.replicateInBackground(file, provider, data, params)

		logger.WithFields(log.Fields{
			"file":     file.UUID,
			"provider": provider.Name(),
		}).Info("file stored")

		o.unstage(file.UUID)

		if variants := splitVariants(job.Payload["variants"]); len(variants) != 0 {
			if err := o.enqueueProcess(ctx, file, variants); err != nil {
				logger.Errorf("failed queuing variant processing: %s", err)
			}
		}

		return nil
	}
}

// replicateInBackground copies the stored bytes to the object store
// without holding up the accept job. The backup location is recorded once
// the copy lands; a failed copy just means no replica.
func (o *Orchestrator) replicateInBackground(file *ffmodel.File, provider storage.Provider, data []byte, params storage.UploadParams) {
	o.background.Add(1)

	go func() {
		defer o.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()

		backup, err := o.router.Replicate(ctx, provider, data, params)
		if err != nil || backup == nil {
			return
		}

		err = o.stors.FileStor.SetFileBackup(file, o.router.ObjectStore().Name(), backup.URL, backup.ObjectID)
		if err != nil {
			clog.UsingCtx("ingest-accept").WithField("file", file.UUID).
				Errorf("failed recording backup location: %s", err)
		}
	}()
}

// ProcessHandler returns the queue handler that derives the requested
// variants. Variant generation is best effort: individual failures are
// logged and the job still completes.
func (o *Orchestrator) ProcessHandler() queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		const op = "ingest.ProcessHandler"
		logger := clog.UsingCtx("ingest-process").WithField("job", job.ID)

		file, err := o.stors.FileStor.GetFileByUUIDAnyOwner(job.Payload["file"])
		if err != nil {
			return fferr.E(fferr.NotFound, op, err)
		}

		provider, err := o.router.ByName(file.PrimaryProvider)
		if err != nil {
			return fferr.E(fferr.NotFound, op, err)
		}

		for _, kind := range splitVariants(job.Payload["variants"]) {
			transform, ok := defaultTransforms[kind]
			if !ok {
				logger.Warnf("unknown variant kind %q, skipping", kind)
				continue
			}

			result, err := provider.Process(ctx, file.PrimaryURL, transform)
			if err != nil {
				logger.WithField("variant", kind).Errorf("variant derivation failed: %s", err)
				continue
			}

			if result.ProcessedBy == storage.ProcessedByNone {
				logger.WithField("variant", kind).Info("provider has no transforms, skipping")
				continue
			}

			_, err = o.stors.FileVariantStor.UpsertVariant(&ffmodel.FileVariant{
				FileID: file.ID,
				Kind:   kind,
				URL:    result.URL,
				Width:  result.Width,
				Height: result.Height,
				Size:   result.Size,
				Format: result.Format,
			})
			if err != nil {
				logger.WithField("variant", kind).Errorf("failed persisting variant: %s", err)
			}
		}

		return nil
	}
}

func (o *Orchestrator) enqueueProcess(ctx context.Context, file *ffmodel.File, variants []string) error {
	job, err := queue.NewJob(JobKindProcess, map[string]string{
		"file":     file.UUID,
		"variants": strings.Join(variants, ","),
	}, queue.PriorityLow)
	if err != nil {
		return err
	}

	return o.queue.Enqueue(ctx, job)
}

func splitVariants(s string) []string {
	if s == "" {
		return nil
	}

	var variants []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			variants = append(variants, v)
		}
	}

	return variants
}
