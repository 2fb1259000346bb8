package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/config"
	"github.com/mattjoyce/autotmpdir/internal/hostenv"
	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/ledger"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/mount"
	"github.com/mattjoyce/autotmpdir/internal/policy"
)

// settings maps the site configuration onto coordinator settings.
func settings(cfg *config.Config) (lifecycle.Settings, error) {
	step, err := cfg.CleanupStepID()
	if err != nil {
		return lifecycle.Settings{}, err
	}
	return lifecycle.Settings{
		LocalPrefix:    cfg.LocalPrefix,
		SharedPrefix:   cfg.SharedPrefix,
		EnvVar:         cfg.EnvVar,
		ExportPath:     cfg.ExportPath,
		CleanupStep:    step,
		NoRmSharedOnly: cfg.NoRmSharedOnly,
		PrecreateLocal: cfg.PrecreateLocal,
	}, nil
}

func mountConfig(cfg *config.Config, id job.Identity) mount.Config {
	return mount.Config{
		Mounts:       cfg.Mounts,
		MapDevShm:    cfg.MapDevShm,
		DevShmPrefix: cfg.DevShmPrefix,
		JobID:        id.JobID,
		UID:          id.UID,
		GID:          id.GID,
	}
}

func wantsMounts(cfg *config.Config) bool {
	return len(cfg.Mounts) > 0 || cfg.MapDevShm
}

// coordinator builds a Coordinator for the loaded configuration. The returned
// closer releases the ledger, if one was opened.
func (a *app) coordinator(ctx context.Context, p policy.Policy, opts ...lifecycle.Option) (*lifecycle.Coordinator, func(), error) {
	s, err := settings(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	opts = append([]lifecycle.Option{lifecycle.WithPolicy(p)}, opts...)
	if a.cfg.Ledger.Enabled {
		l, err := ledger.Open(ctx, a.cfg.Ledger.Path)
		if err != nil {
			// The ledger is bookkeeping; jobs run without it.
			log.WithComponent("ledger").Warn("ledger unavailable", "path", a.cfg.Ledger.Path, "error", err)
		} else {
			opts = append(opts, lifecycle.WithRecorder(l))
			closer = func() { _ = l.Close() }
		}
	}
	c, err := lifecycle.New(s, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return c, closer, nil
}

func (a *app) openLedger(ctx context.Context, override string) (*ledger.Ledger, string, error) {
	path := a.cfg.Ledger.Path
	if override != "" {
		path = override
	}
	l, err := ledger.Open(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return l, path, nil
}

// identityFlags override the scheduler environment, for use outside a job.
type identityFlags struct {
	jobID  string
	stepID string
	taskID string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job id (default $"+hostenv.EnvJobID+")")
	cmd.Flags().StringVar(&f.stepID, "step-id", "", "step id: a number, batch or extern (default $"+hostenv.EnvStepID+")")
	cmd.Flags().StringVar(&f.taskID, "task-id", "", "task id (default $"+hostenv.EnvProcID+")")
}

// environ returns the process environment with the overrides applied.
func (f *identityFlags) environ() ([]string, error) {
	env := os.Environ()
	if f.jobID != "" {
		if _, err := strconv.ParseUint(f.jobID, 10, 32); err != nil {
			return nil, fmt.Errorf("invalid --job-id %q", f.jobID)
		}
		env = append(env, hostenv.EnvJobID+"="+f.jobID)
	}
	if f.stepID != "" {
		if _, err := job.ParseStepID(f.stepID); err != nil {
			return nil, fmt.Errorf("invalid --step-id: %w", err)
		}
		env = append(env, hostenv.EnvStepID+"="+f.stepID)
	}
	if f.taskID != "" {
		if _, err := strconv.ParseUint(f.taskID, 10, 32); err != nil {
			return nil, fmt.Errorf("invalid --task-id %q", f.taskID)
		}
		env = append(env, hostenv.EnvProcID+"="+f.taskID)
	}
	return env, nil
}

// stepHost presents a Host as a different step of the same job.
type stepHost struct {
	lifecycle.Host
	step uint32
}

func (h stepHost) Identity() (job.Identity, error) {
	id, err := h.Host.Identity()
	id.StepID = h.step
	return id, err
}
