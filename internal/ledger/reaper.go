package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/autotmpdir/internal/lock"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/remove"
)

// LockName is the reaper lock file, kept next to the database.
const LockName = "reap.lock"

// Failure is a stale directory the reaper could not remove.
type Failure struct {
	Path string
	Err  error
}

// Report summarises one reap pass.
type Report struct {
	Reaped []string
	Failed []Failure
}

// Reaper removes directories the ledger still lists as created after their
// jobs should have cleaned them up.
type Reaper struct {
	ledger   *Ledger
	lockPath string
	dryRun   bool
	removeFn func(path string, uid int) error
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// DryRun reports what would be removed without touching anything.
func DryRun() ReaperOption {
	return func(r *Reaper) { r.dryRun = true }
}

// NewReaper returns a Reaper over l. lockPath guards against concurrent
// passes.
func NewReaper(l *Ledger, lockPath string, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		ledger:   l,
		lockPath: lockPath,
		removeFn: func(path string, uid int) error { return remove.RemoveTree(path, uid) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultLockPath returns the lock path for a ledger at dbPath.
func DefaultLockPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), LockName)
}

// Reap removes every stale directory older than olderThan. Each directory is
// only removed when it is still owned by the uid recorded at creation.
func (r *Reaper) Reap(ctx context.Context, olderThan time.Duration) (Report, error) {
	var report Report
	if olderThan <= 0 {
		return report, fmt.Errorf("older-than must be positive, got %s", olderThan)
	}

	pl, err := lock.AcquirePIDLock(r.lockPath)
	if err != nil {
		return report, err
	}
	defer func() { _ = pl.Release() }()

	stale, err := r.ledger.Stale(ctx, olderThan)
	if err != nil {
		return report, err
	}

	logger := log.WithComponent("reaper").With("lock", pl.Path())
	logger.Debug("reap pass", "older_than", olderThan.String(), "candidates", len(stale), "dry_run", r.dryRun)
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if r.dryRun {
			report.Reaped = append(report.Reaped, e.Path)
			continue
		}

		rerr := r.removeFn(e.Path, e.Identity.UID)
		action := ActionReaped
		if rerr != nil {
			action = ActionReapFailed
			report.Failed = append(report.Failed, Failure{Path: e.Path, Err: rerr})
			logger.Warn("reap failed", "path", e.Path, "job_id", e.Identity.JobID, "error", rerr)
		} else {
			report.Reaped = append(report.Reaped, e.Path)
			logger.Info("reaped stale directory", "path", e.Path, "job_id", e.Identity.JobID)
		}
		if err := r.ledger.insert(ctx, e.Path, e.Identity, eventReap, action, e.PolicyDigest, rerr); err != nil {
			return report, errors.Join(fmt.Errorf("record reap of %s", e.Path), err)
		}
	}
	return report, nil
}
