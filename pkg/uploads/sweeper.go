package uploads

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/ffdb/stor"
	"github.com/saracen/walker"
)

// Sweeper periodically expires Active sessions past their expiry and
// deletes their temp files. It also scans the temp directory for orphaned
// files that no live session references. Everything it does is best-effort:
// a failed deletion is logged, never fatal.
type Sweeper struct {
	sessionStor stor.UploadSessionStor
	tempDir     string
	interval    time.Duration
	done        chan struct{}
}

const DefaultSweepInterval = time.Hour

func NewSweeper(sessionStor stor.UploadSessionStor, tempDir string, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Sweeper{
		sessionStor: sessionStor,
		tempDir:     tempDir,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	close(s.done)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single expiry pass followed by the orphan scan.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	logger := clog.UsingCtx("session-sweeper")

	stale, err := s.sessionStor.ListExpiredActiveSessions(time.Now())
	if err != nil {
		logger.Errorf("Failed listing expired sessions: %s", err)
		return
	}

	for _, session := range stale {
		if err := s.sessionStor.MarkSessionExpired(session.UUID); err != nil {
			logger.Errorf("Failed expiring session %s: %s", session.UUID, err)
			continue
		}

		if err := os.Remove(session.TempPath); err != nil && !os.IsNotExist(err) {
			logger.Errorf("Failed removing temp file %s: %s", session.TempPath, err)
		}
	}

	if len(stale) > 0 {
		logger.Infof("Expired %d stale upload sessions", len(stale))
	}

	s.removeOrphanedTempFiles(ctx, logger.Errorf)
}

// removeOrphanedTempFiles walks the temp dir concurrently and deletes
// .upload files that no Active or Completed session owns. These are left
// behind when a process dies between temp file creation and session
// cleanup.
func (s *Sweeper) removeOrphanedTempFiles(ctx context.Context, logf func(string, ...interface{})) {
	owned, err := s.sessionStor.ActiveTempPaths()
	if err != nil {
		logf("Failed listing active temp paths: %s", err)
		return
	}

	if _, err := os.Stat(s.tempDir); err != nil {
		return
	}

	walkFn := func(path string, info os.FileInfo) error {
		if info.IsDir() {
			return nil
		}

		if !strings.HasSuffix(path, ".upload") {
			return nil
		}

		if owned[path] {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logf("Failed removing orphaned temp file %s: %s", path, err)
		}

		return nil
	}

	if err := walker.WalkWithContext(ctx, s.tempDir, walkFn); err != nil {
		logf("Temp dir walk failed: %s", err)
	}
}
