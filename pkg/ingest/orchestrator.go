package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/ffdb/ffmodel"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/fileforge/fileforge/pkg/queue"
	"github.com/fileforge/fileforge/pkg/storage"
	"github.com/fileforge/fileforge/pkg/uploads"
	"github.com/pkg/errors"
)

const (
	JobKindAccept  = "file:accept"
	JobKindProcess = "file:process"
)

// Orchestrator runs the ingest pipeline: admit, fingerprint, persist,
// enqueue. The heavy work happens in the queue handlers; Submit calls
// return as soon as the file record exists and its job is queued.
type Orchestrator struct {
	stors      *stor.Stors
	queue      queue.Queue
	router     *storage.Router
	policy     *Policy
	scanner    Scanner
	sessions   *uploads.SessionManager
	stagingDir string

	background sync.WaitGroup
}

type OrchestratorParams struct {
	Stors      *stor.Stors
	Queue      queue.Queue
	Router     *storage.Router
	Policy     *Policy
	Scanner    Scanner
	Sessions   *uploads.SessionManager
	StagingDir string
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	policy := params.Policy
	if policy == nil {
		policy = &Policy{}
	}

	return &Orchestrator{
		stors:      params.Stors,
		queue:      params.Queue,
		router:     params.Router,
		policy:     policy,
		scanner:    params.Scanner,
		sessions:   params.Sessions,
		stagingDir: params.StagingDir,
	}
}

// SubmitOpts describes one upload. Variants name the renditions the
// processing worker should derive once the file is stored.
type SubmitOpts struct {
	Filename string
	MimeType string
	OwnerID  string
	Privacy  string
	Category string
	Metadata map[string]string
	Variants []string
}

// SubmitUpload admits raw bytes into the pipeline. Duplicate content
// (same checksum, same owner, already Ready) short-circuits to the
// existing record without touching the queue.
func (o *Orchestrator) SubmitUpload(ctx context.Context, data []byte, opts SubmitOpts) (*ffmodel.File, error) {
	const op = "ingest.Orchestrator.SubmitUpload"

	if opts.OwnerID == "" {
		return nil, fferr.Errorf(fferr.InvalidArgument, op, "owner is required")
	}

	if err := o.policy.Check(opts.Filename, opts.MimeType, data); err != nil {
		return nil, err
	}

	if err := o.scan(ctx, opts.Filename, data); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if existing, err := o.stors.FileStor.FindReadyFileByChecksum(opts.OwnerID, checksum); err == nil {
		clog.UsingCtx("ingest").WithFields(log.Fields{
			"owner": opts.OwnerID,
			"file":  existing.UUID,
		}).Info("duplicate content, reusing stored file")
		return existing, nil
	}

	privacy := opts.Privacy
	if privacy == "" {
		privacy = ffmodel.PrivacyPrivate
	}

	file := &ffmodel.File{
		OwnerID:       opts.OwnerID,
		OriginalName:  opts.Filename,
		GeneratedName: GenerateName(opts.Filename),
		MimeType:      opts.MimeType,
		Size:          int64(len(data)),
		Checksum:      checksum,
		Category:      opts.Category,
		Privacy:       privacy,
	}

	file.SetMetadata(opts.Metadata)

	file, err := o.stors.FileStor.CreateFile(file)
	if err != nil {
		return nil, errors.WithMessage(err, "failed creating file record")
	}

	if err := o.stage(file.UUID, data); err != nil {
		_ = o.stors.FileStor.MarkFileFailed(file, "staging write failed")
		return nil, err
	}

	if err := o.enqueueAccept(ctx, file, opts.Variants); err != nil {
		_ = o.stors.FileStor.MarkFileFailed(file, "enqueue failed")
		o.unstage(file.UUID)
		return nil, err
	}

	return file, nil
}

// SubmitSession completes a resumable upload session and feeds its
// assembled bytes through the same pipeline. The session is destroyed
// once the file record and job exist.
func (o *Orchestrator) SubmitSession(ctx context.Context, sessionUUID, ownerID string, opts SubmitOpts) (*ffmodel.File, error) {
	const op = "ingest.Orchestrator.SubmitSession"

	if o.sessions == nil {
		return nil, fferr.Errorf(fferr.InvalidArgument, op, "resumable uploads are not configured")
	}

	data, session, err := o.sessions.CompleteUpload(sessionUUID, ownerID)
	if err != nil {
		return nil, err
	}

	if opts.Filename == "" {
		opts.Filename = session.Filename
	}
	if opts.MimeType == "" {
		opts.MimeType = session.MimeType
	}
	opts.OwnerID = ownerID

	file, err := o.SubmitUpload(ctx, data, opts)
	if err != nil {
		return nil, err
	}

	if err := o.sessions.Destroy(sessionUUID, ownerID); err != nil {
		clog.UsingCtx("ingest").WithField("session", sessionUUID).
			Warnf("failed destroying completed session: %s", err)
	}

	return file, nil
}

// Status returns the file record for polling, owner scoped.
func (o *Orchestrator) Status(_ context.Context, fileUUID, ownerID string) (*ffmodel.File, error) {
	return o.stors.FileStor.GetFileByUUID(fileUUID, ownerID)
}

// SignedFileURL returns a time-limited URL for a stored file from the
// provider that holds its bytes.
func (o *Orchestrator) SignedFileURL(ctx context.Context, fileUUID, ownerID string, ttl time.Duration) (string, error) {
	const op = "ingest.Orchestrator.SignedFileURL"

	file, err := o.stors.FileStor.GetFileByUUID(fileUUID, ownerID)
	if err != nil {
		return "", err
	}

	if file.Status != ffmodel.FileStatusReady {
		return "", fferr.Errorf(fferr.NotCompleted, op, "file %s is %s", fileUUID, file.Status)
	}

	provider, err := o.router.ByName(file.PrimaryProvider)
	if err != nil {
		return "", err
	}

	objectID := file.Metadata()["object_id"]
	if objectID == "" {
		return "", fferr.Errorf(fferr.NotFound, op, "file %s has no stored object", fileUUID)
	}

	return provider.SignedURL(ctx, objectID, ttl)
}

// DeleteFile soft deletes the record and makes a best-effort pass at the
// remote copies. Remote failures never block the delete.
func (o *Orchestrator) DeleteFile(ctx context.Context, fileUUID, ownerID string) error {
	file, err := o.stors.FileStor.GetFileByUUID(fileUUID, ownerID)
	if err != nil {
		return err
	}

	if err := o.stors.FileStor.SoftDeleteFile(file); err != nil {
		return errors.WithMessage(err, "failed deleting file record")
	}

	logger := clog.UsingCtx("ingest").WithField("file", fileUUID)

	metadata := file.Metadata()

	if objectID := metadata["object_id"]; objectID != "" {
		if provider, perr := o.router.ByName(file.PrimaryProvider); perr == nil {
			if _, derr := provider.Delete(ctx, objectID, true); derr != nil {
				logger.Warnf("primary cleanup failed: %s", derr)
			}
		}
	}

	if backupID := metadata["backup_object_id"]; backupID != "" {
		if object := o.router.ObjectStore(); object != nil {
			if _, derr := object.Delete(ctx, backupID, true); derr != nil {
				logger.Warnf("backup cleanup failed: %s", derr)
			}
		}
	}

	if err := o.stors.FileVariantStor.DeleteVariantsForFile(file.ID); err != nil {
		logger.Warnf("variant cleanup failed: %s", err)
	}

	o.unstage(file.UUID)

	return nil
}

func (o *Orchestrator) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return o.queue.Stats(ctx)
}

// WaitBackground blocks until in-flight background work, currently the
// replication fan-out, has drained. Called on shutdown.
func (o *Orchestrator) WaitBackground() {
	o.background.Wait()
}

func (o *Orchestrator) scan(ctx context.Context, filename string, data []byte) error {
	const op = "ingest.Orchestrator.scan"

	if o.scanner == nil {
		return nil
	}

	result, err := o.scanner.Scan(ctx, data)
	if err != nil {
		if o.policy.StrictScan {
			return fferr.E(fferr.Rejected, op, errors.WithMessage(err, "scanner unavailable"))
		}

		clog.UsingCtx("ingest").WithField("filename", filename).
			Warnf("scanner unavailable, admitting unscanned: %s", err)
		return nil
	}

	if result.Infected {
		return fferr.Errorf(fferr.SuspiciousContent, op, "%q matched signature %s", filename, result.Signature)
	}

	return nil
}

func (o *Orchestrator) enqueueAccept(ctx context.Context, file *ffmodel.File, variants []string) error {
	job, err := queue.NewJob(JobKindAccept, map[string]string{
		"file":     file.UUID,
		"variants": strings.Join(variants, ","),
	}, acceptPriority(file.TypeCategory))
	if err != nil {
		return err
	}

	return o.queue.Enqueue(ctx, job)
}

// acceptPriority orders the accept queue: interactive image uploads
// first, documents next, bulk content last.
func acceptPriority(typeCategory string) queue.Priority {
	switch typeCategory {
	case ffmodel.TypeCategoryImage:
		return queue.PriorityHigh
	case ffmodel.TypeCategoryDocument:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

func (o *Orchestrator) stagingPath(fileUUID string) string {
	return filepath.Join(o.stagingDir, fileUUID+".staged")
}

// stage parks the validated bytes on local disk for the accept worker.
// Payloads carry identifiers only, never content.
func (o *Orchestrator) stage(fileUUID string, data []byte) error {
	if err := os.WriteFile(o.stagingPath(fileUUID), data, 0600); err != nil {
		return errors.WithMessage(err, "failed staging upload")
	}

	return nil
}

func (o *Orchestrator) unstage(fileUUID string) {
	if err := os.Remove(o.stagingPath(fileUUID)); err != nil && !os.IsNotExist(err) {
		clog.UsingCtx("ingest").WithField("file", fileUUID).
			Warnf("failed removing staged bytes: %s", err)
	}
}
