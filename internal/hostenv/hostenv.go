// Package hostenv implements lifecycle.Host on top of the environment the
// scheduler gives prolog/epilog programs.
package hostenv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/propagate"
)

// Scheduler environment variables.
const (
	EnvJobID  = "SLURM_JOB_ID"
	EnvStepID = "SLURM_STEP_ID"
	EnvProcID = "SLURM_PROCID"
	EnvJobUID = "SLURM_JOB_UID"
	EnvJobGID = "SLURM_JOB_GID"
)

// Env is a Host backed by an environment lookup. Variables set through Setenv
// shadow the underlying environment and are echoed to the export writer as
// "export KEY=VALUE" lines, the format task prologs use to change the task
// environment.
type Env struct {
	lookup func(string) (string, bool)
	out    io.Writer
	set    map[string]string
}

var _ lifecycle.Host = (*Env)(nil)

// New returns an Env over the process environment. out may be nil.
func New(out io.Writer) *Env {
	return &Env{lookup: os.LookupEnv, out: out, set: map[string]string{}}
}

// FromEnviron returns an Env over KEY=VALUE pairs.
func FromEnviron(environ []string, out io.Writer) *Env {
	return &Env{lookup: propagate.EnvironLookup(environ), out: out, set: map[string]string{}}
}

// Identity reads the job identity. The job id is required; a missing or unset
// step means the batch step, a missing task means task 0 and a missing owner means
// the current process's real identity.
func (e *Env) Identity() (job.Identity, error) {
	raw, ok := e.Getenv(EnvJobID)
	if !ok || raw == "" {
		return job.Identity{}, fmt.Errorf("%s is not set", EnvJobID)
	}
	jobID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return job.Identity{}, fmt.Errorf("parse %s: %w", EnvJobID, err)
	}
	id := job.Identity{JobID: uint32(jobID), StepID: job.StepBatch, UID: os.Getuid(), GID: os.Getgid()}

	if raw, ok := e.Getenv(EnvStepID); ok && raw != "" {
		if id.StepID, err = job.ParseStepID(raw); err != nil {
			return job.Identity{}, fmt.Errorf("parse %s: %w", EnvStepID, err)
		}
		// The scheduler reports no step outside any step, e.g. in prolog context.
		if id.StepID == job.NoVal {
			id.StepID = job.StepBatch
		}
	}
	if raw, ok := e.Getenv(EnvProcID); ok && raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return job.Identity{}, fmt.Errorf("parse %s: %w", EnvProcID, err)
		}
		id.TaskID = uint32(v)
	}
	if id.UID, err = e.intVar(EnvJobUID, id.UID); err != nil {
		return job.Identity{}, err
	}
	if id.GID, err = e.intVar(EnvJobGID, id.GID); err != nil {
		return job.Identity{}, err
	}
	return id, nil
}

func (e *Env) intVar(key string, def int) (int, error) {
	raw, ok := e.Getenv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("parse %s: invalid id %q", key, raw)
	}
	return v, nil
}

// Getenv returns values set through Setenv first.
func (e *Env) Getenv(key string) (string, bool) {
	if v, ok := e.set[key]; ok {
		return v, true
	}
	return e.lookup(key)
}

// Setenv records key and echoes it to the export writer.
func (e *Env) Setenv(key, value string) error {
	if key == "" || strings.ContainsAny(key, "= \n") {
		return fmt.Errorf("invalid variable name %q", key)
	}
	if strings.ContainsRune(value, '\n') {
		return errors.New("variable values cannot contain newlines")
	}
	e.set[key] = value
	if e.out != nil {
		if _, err := fmt.Fprintf(e.out, "export %s=%s\n", key, value); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	}
	return nil
}

// Exported returns the variables set through Setenv as sorted KEY=VALUE pairs.
func (e *Env) Exported() []string {
	out := make([]string, 0, len(e.set))
	for k, v := range e.set {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Environ merges base with the exported variables, exported ones winning.
func (e *Env) Environ(base []string) []string {
	out := make([]string, 0, len(base)+len(e.set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, shadowed := e.set[k]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	return append(out, e.Exported()...)
}
