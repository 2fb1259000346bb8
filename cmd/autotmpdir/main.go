package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autotmpdir/internal/config"
	"github.com/mattjoyce/autotmpdir/internal/log"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app holds what every subcommand shares: the root flags and the loaded
// site configuration.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	siteArgs   []string

	cfg     *config.Config
	loadErr error
}

// Commands annotated with tolerateConfigError run even when the site
// configuration fails to load, and report the failure themselves.
const tolerateConfigError = "tolerate-config-error"

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "autotmpdir",
		Short: "per-job temporary directories for cluster jobs",
		Long: "autotmpdir creates a private temporary directory for every job, step and task,\n" +
			"points TMPDIR at it, and removes it when the job is done.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.loadErr = a.load()
			if a.loadErr != nil && cmd.Annotations[tolerateConfigError] == "" {
				return a.loadErr
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "site configuration file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	pf.StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "override log_format (json, text)")
	pf.StringArrayVar(&a.siteArgs, "arg", nil, "site argument in key=value or bare-word form, applied over the file (repeatable)")

	root.AddCommand(
		newHookCmd(a),
		newRunCmd(a),
		newPathCmd(a),
		newDoctorCmd(a),
		newLsCmd(a),
		newReapCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.LoadOrDefault(config.Resolve(a.configPath))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if len(a.siteArgs) > 0 {
		if err := cfg.ApplyArgs(a.siteArgs); err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}
	log.Setup(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autotmpdir version %s\n", version)
		},
	}
}
