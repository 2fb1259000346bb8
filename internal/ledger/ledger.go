// Package ledger keeps a node-local history of the directories the lifecycle
// created and removed, so leftovers can be listed and reaped.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/storage"
)

// Fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Outcome recorded by the reaper, in addition to the lifecycle actions.
const (
	ActionReaped     lifecycle.Action = "reaped"
	ActionReapFailed lifecycle.Action = "reap_failed"
	eventReap                         = "reap"
)

// Entry is one ledger row.
type Entry struct {
	ID           string
	Path         string
	Identity     job.Identity
	Event        string
	Action       lifecycle.Action
	PolicyDigest string
	Error        string
	CreatedAt    time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	JobID  uint32
	Path   string
	Limit  int
	Action lifecycle.Action
}

// Ledger records lifecycle outcomes in SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record implements lifecycle.Recorder.
func (l *Ledger) Record(ctx context.Context, o lifecycle.Outcome) error {
	return l.insert(ctx, o.Path, o.Identity, o.Event.String(), o.Action, o.PolicyDigest, o.Err)
}

func (l *Ledger) insert(ctx context.Context, path string, id job.Identity, event string, action lifecycle.Action, digest string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("ledger path is empty")
	}
	var errText sql.NullString
	if cause != nil {
		errText = sql.NullString{String: cause.Error(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO tmpdir_ledger(id, path, job_id, step_id, task_id, uid, gid, event, outcome, policy_digest, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), filepath.Clean(path), id.JobID, id.StepID, id.TaskID, id.UID, id.GID,
		event, string(action), digest, errText, l.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if f.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, filepath.Clean(f.Path))
	}
	if f.Action != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Action))
	}
	q := `SELECT id, path, job_id, step_id, task_id, uid, gid, event, outcome, policy_digest, error, created_at FROM tmpdir_ledger`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Stale returns directories whose latest outcome leaves them on disk and that
// were last touched before the cutoff. Only jobs with a job-exit row recorded at
// or after that outcome qualify. A later removal of an enclosing directory counts
// as removal of everything under it.
func (l *Ledger) Stale(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, path, job_id, step_id, task_id, uid, gid, event, outcome, policy_digest, error, created_at
FROM tmpdir_ledger
ORDER BY created_at ASC, rowid ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	all, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]Entry)
	touched := make(map[string]time.Time)
	exited := make(map[uint32]time.Time)
	var order []string
	for _, e := range all {
		if _, seen := latest[e.Path]; !seen {
			order = append(order, e.Path)
		}
		latest[e.Path] = e
		if e.Event != eventReap {
			touched[e.Path] = e.CreatedAt
		}
		if e.Event == lifecycle.JobExit.String() {
			exited[e.Identity.JobID] = e.CreatedAt
		}
	}

	cutoff := l.now().UTC().Add(-olderThan)
	var stale []Entry
	for _, p := range order {
		e := latest[p]
		if !leftBehind(e.Action) || !e.CreatedAt.Before(cutoff) {
			continue
		}
		// A job with no job-exit row may still be running on this node.
		if at, ok := exited[e.Identity.JobID]; !ok || at.Before(touched[p]) {
			continue
		}
		if removedLater(all, e) {
			continue
		}
		stale = append(stale, e)
	}
	return stale, nil
}

func leftBehind(a lifecycle.Action) bool {
	switch a {
	case lifecycle.ActionCreated, lifecycle.ActionRemoveFailed, lifecycle.ActionKept, ActionReapFailed:
		return true
	}
	return false
}

func removedLater(all []Entry, e Entry) bool {
	for _, o := range all {
		if o.Action != lifecycle.ActionRemoved && o.Action != ActionReaped {
			continue
		}
		if o.CreatedAt.Before(e.CreatedAt) || o.Path == e.Path {
			continue
		}
		if strings.HasPrefix(e.Path, o.Path+"/") {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e          Entry
		action     string
		errText    sql.NullString
		createdAtS string
	)
	if err := row.Scan(
		&e.ID,
		&e.Path,
		&e.Identity.JobID,
		&e.Identity.StepID,
		&e.Identity.TaskID,
		&e.Identity.UID,
		&e.Identity.GID,
		&e.Event,
		&action,
		&e.PolicyDigest,
		&errText,
		&createdAtS,
	); err != nil {
		return Entry{}, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Action = lifecycle.Action(action)
	e.Error = errText.String
	createdAt, err := time.Parse(timeLayout, createdAtS)
	if err != nil {
		return Entry{}, fmt.Errorf("parse tmpdir_ledger.created_at: %w", err)
	}
	e.CreatedAt = createdAt
	return e, nil
}
