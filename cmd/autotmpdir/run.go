package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/config"
	"github.com/mattjoyce/autotmpdir/internal/hostenv"
	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/mount"
	"github.com/mattjoyce/autotmpdir/internal/policy"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		ids identityFlags
		b   *policy.Builder
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "run a command inside its own temporary directory",
		Long: "run drives the whole lifecycle in one process: it creates the job and step\n" +
			"directories, establishes bind mounts, runs the command with TMPDIR set,\n" +
			"and cleans up once the command exits. The command's exit status is\n" +
			"returned.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ids.environ()
			if err != nil {
				return err
			}
			host := hostenv.FromEnviron(env, nil)
			id, err := host.Identity()
			if err != nil {
				return err
			}
			cleanupStep, err := a.cfg.CleanupStepID()
			if err != nil {
				return err
			}

			c, closeFn, err := a.coordinator(cmd.Context(), b.Policy(), lifecycle.WithMounts(mountFactory(a.cfg)))
			if err != nil {
				return err
			}
			defer closeFn()

			r := &runner{c: c, host: host, cleanup: stepHost{Host: host, step: cleanupStep}, logger: log.WithJob(id)}
			return r.run(cmd.Context(), env, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	ids.register(cmd)
	b = lifecycle.RegisterOptions(cmd.Flags())
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return b.ParseError(err)
	})
	return cmd
}

// mountFactory hands out one Bind per job so tear down sees the mounts setup
// made. Bind mounts need root; without it the job runs unmounted.
func mountFactory(cfg *config.Config) lifecycle.MountFactory {
	if !wantsMounts(cfg) {
		return func(job.Identity) mount.Provider { return mount.Noop{} }
	}
	if os.Geteuid() != 0 {
		log.WithComponent("mount").Warn("bind mounts configured but not running as root; skipping")
		return func(job.Identity) mount.Provider { return mount.Noop{} }
	}
	binds := map[uint32]*mount.Bind{}
	return func(id job.Identity) mount.Provider {
		b, ok := binds[id.JobID]
		if !ok {
			b = mount.NewBind(mountConfig(cfg, id))
			binds[id.JobID] = b
		}
		return b
	}
}

type runner struct {
	c       *lifecycle.Coordinator
	host    *hostenv.Env
	cleanup lifecycle.Host
	logger  *slog.Logger
}

func (r *runner) run(ctx context.Context, base []string, argv []string) error {
	for _, ev := range []lifecycle.Event{lifecycle.LocalSetup, lifecycle.RemoteSetup, lifecycle.TaskStart} {
		if err := r.c.Handle(ctx, ev, r.host); err != nil {
			if lifecycle.IsFatal(ev, err) {
				r.finish(context.WithoutCancel(ctx))
				return err
			}
			r.logger.Warn("setup finished with errors", "event", ev.String(), "error", err)
		}
	}

	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Env = r.host.Environ(base)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	runErr := child.Run()

	r.finish(context.WithoutCancel(ctx))

	var ee *exec.ExitError
	switch {
	case runErr == nil:
		return nil
	case errors.As(runErr, &ee) && ee.ExitCode() >= 0:
		return &exitError{code: ee.ExitCode()}
	default:
		return fmt.Errorf("run %s: %w", argv[0], runErr)
	}
}

// finish runs the exit path. Exit-path errors are never fatal.
func (r *runner) finish(ctx context.Context) {
	if err := r.c.Handle(ctx, lifecycle.TaskExit, r.host); err != nil {
		r.logger.Warn("task exit finished with errors", "error", err)
	}
	if err := r.c.Handle(ctx, lifecycle.JobExit, r.cleanup); err != nil {
		r.logger.Warn("job exit finished with errors", "error", err)
	}
}
