package lifecycle

import (
	"context"

	"github.com/mattjoyce/autotmpdir/internal/job"
)

//go:generate mockgen -destination=mocks/mock_host.go -package=mocks github.com/mattjoyce/autotmpdir/internal/lifecycle Host

// Host is the thin adapter over a concrete scheduler runtime.
type Host interface {
	// Identity returns the job/step/task the current callback runs for.
	Identity() (job.Identity, error)
	// Getenv reads the job environment.
	Getenv(key string) (string, bool)
	// Setenv writes to the environment the job's tasks will see.
	Setenv(key, value string) error
}

// Action is what happened to a directory.
type Action string

const (
	ActionCreated      Action = "created"
	ActionRemoved      Action = "removed"
	ActionRemoveFailed Action = "remove_failed"
	// ActionKept marks a job directory left in place at job exit.
	ActionKept         Action = "kept"
)

// Outcome describes one directory operation.
type Outcome struct {
	Event        Event
	Identity     job.Identity
	Path         string
	Action       Action
	PolicyDigest string
	Err          error
}

// Recorder keeps a history of directory operations. Recording is best effort;
// a failing Recorder never changes a callback's result.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}
