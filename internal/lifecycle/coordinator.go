// Package lifecycle maps scheduler callbacks onto directory creation and
// removal. It keeps no state between callbacks besides the policy: every
// call re-derives identity and paths from scratch.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/mount"
	"github.com/mattjoyce/autotmpdir/internal/pathfmt"
	"github.com/mattjoyce/autotmpdir/internal/policy"
	"github.com/mattjoyce/autotmpdir/internal/privilege"
	"github.com/mattjoyce/autotmpdir/internal/propagate"
	"github.com/mattjoyce/autotmpdir/internal/provision"
	"github.com/mattjoyce/autotmpdir/internal/remove"
)

// Settings are the site-wide knobs.
type Settings struct {
	// LocalPrefix is the node-local default base.
	LocalPrefix string
	// SharedPrefix is the shared-storage base; empty disables shared storage.
	SharedPrefix string
	// EnvVar is the variable pointed at the directory.
	EnvVar string
	// ExportPath, when set, is exported instead of the directory itself.
	// Sites binding the directory over a fixed path export that path.
	ExportPath string
	// CleanupStep is the pseudo-step whose exit removes the job directory.
	CleanupStep uint32
	// NoRmSharedOnly honors --no-rm-tmpdir only for shared storage.
	NoRmSharedOnly bool
	// PrecreateLocal creates the job directory during local setup.
	PrecreateLocal bool
}

// DefaultSettings mirrors the stock site configuration.
func DefaultSettings() Settings {
	return Settings{
		LocalPrefix: "/tmp",
		EnvVar:      "TMPDIR",
		CleanupStep: job.StepExtern,
	}
}

func (s Settings) validate() error {
	if !filepath.IsAbs(s.LocalPrefix) {
		return fault.New(fault.KindInvalidArgument, "settings", s.LocalPrefix, errors.New("local prefix must be absolute"))
	}
	if s.SharedPrefix != "" && !filepath.IsAbs(s.SharedPrefix) {
		return fault.New(fault.KindInvalidArgument, "settings", s.SharedPrefix, errors.New("shared prefix must be absolute"))
	}
	if s.ExportPath != "" && !filepath.IsAbs(s.ExportPath) {
		return fault.New(fault.KindInvalidArgument, "settings", s.ExportPath, errors.New("export path must be absolute"))
	}
	if s.EnvVar == "" {
		return fault.New(fault.KindInvalidArgument, "settings", "", errors.New("env var is empty"))
	}
	if !job.IsPseudoStep(s.CleanupStep) {
		return fault.New(fault.KindInvalidArgument, "settings", "", fmt.Errorf("cleanup step %s is not batch or extern", job.FormatStepID(s.CleanupStep)))
	}
	return nil
}

// MountFactory returns the mount provider for a job. Implementations that
// track mounts must return the same provider for setup and exit.
type MountFactory func(id job.Identity) mount.Provider

type handler func(ctx context.Context, host Host) error

// Coordinator dispatches lifecycle events.
type Coordinator struct {
	settings  Settings
	submitted policy.Policy
	scope     *privilege.Scope
	formatter *pathfmt.Formatter
	mounts    MountFactory
	recorder  Recorder
	handlers  map[Event]handler
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the submission-side policy parsed from user flags.
func WithPolicy(p policy.Policy) Option {
	return func(c *Coordinator) { c.submitted = p }
}

// WithCredentials replaces the process credentials used for identity switches.
func WithCredentials(creds privilege.Credentials) Option {
	return func(c *Coordinator) { c.scope = privilege.NewScope(creds) }
}

// WithProber replaces the base accessibility probe.
func WithProber(p pathfmt.Prober) Option {
	return func(c *Coordinator) { c.formatter.Probe = p }
}

// WithHostname replaces the node name lookup.
func WithHostname(fn func() (string, error)) Option {
	return func(c *Coordinator) { c.formatter.Hostname = fn }
}

// WithMounts installs a mount provider factory.
func WithMounts(f MountFactory) Option {
	return func(c *Coordinator) { c.mounts = f }
}

// WithRecorder installs an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// New builds a Coordinator.
func New(s Settings, opts ...Option) (*Coordinator, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		settings:  s,
		submitted: policy.Default(),
		scope:     privilege.NewScope(privilege.Process{}),
		formatter: &pathfmt.Formatter{
			LocalBase:  filepath.Clean(s.LocalPrefix),
			SharedBase: s.SharedPrefix,
			Probe:      pathfmt.EffectiveAccess,
		},
		mounts: func(job.Identity) mount.Provider { return mount.Noop{} },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers = map[Event]handler{
		OptionRegistration: c.optionRegistration,
		LocalSetup:         c.localSetup,
		RemoteSetup:        c.remoteSetup,
		TaskStart:          c.taskStart,
		TaskExit:           c.taskExit,
		JobExit:            c.jobExit,
	}
	return c, nil
}

// RegisterOptions registers the user flag schema on fs.
func RegisterOptions(fs *pflag.FlagSet) *policy.Builder {
	return policy.Register(fs)
}

// Handle runs the handler for ev.
func (c *Coordinator) Handle(ctx context.Context, ev Event, host Host) error {
	h, ok := c.handlers[ev]
	if !ok {
		return fault.New(fault.KindInvalidArgument, "handle", "", fmt.Errorf("unknown event %s", ev))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h(ctx, host)
}

// Resolve reports where the directory for id would live under p, without
// creating anything. jobLevel selects the job directory over the step
// directory.
func (c *Coordinator) Resolve(id job.Identity, p policy.Policy, jobLevel bool) (pathfmt.ResolvedPath, error) {
	p = p.WithSiteRules(c.settings.NoRmSharedOnly)
	var rp pathfmt.ResolvedPath
	err := c.as(id, func() error {
		var err error
		rp, err = c.formatter.Resolve(id, p, jobLevel)
		return err
	})
	return rp, err
}

// IsFatal reports whether err from ev must fail the host callback. Exit-path
// failures leave stale directories behind and are only reported.
func IsFatal(ev Event, err error) bool {
	if err == nil || ev.ExitPath() {
		return false
	}
	return fault.IsFatal(err)
}

func (c *Coordinator) optionRegistration(context.Context, Host) error {
	log.WithComponent("lifecycle").Debug("option schema registered", "options", len(policy.Options()))
	return nil
}

func (c *Coordinator) localSetup(ctx context.Context, host Host) error {
	p := c.submitted.WithSiteRules(c.settings.NoRmSharedOnly)
	if err := propagate.Export(p, host.Setenv); err != nil {
		return err
	}
	if !c.settings.PrecreateLocal {
		return nil
	}
	id, err := host.Identity()
	if err != nil {
		return fmt.Errorf("job identity: %w", err)
	}
	rp, err := c.provision(ctx, LocalSetup, id, p, true)
	if err != nil {
		return err
	}
	return c.export(host, rp.Path)
}

func (c *Coordinator) remoteSetup(ctx context.Context, host Host) error {
	id, p, err := c.executionContext(host)
	if err != nil {
		return err
	}
	rp, err := c.provision(ctx, RemoteSetup, id, p, true)
	if err != nil {
		return err
	}
	if err := c.mounts(id).Establish(rp.Path); err != nil {
		return fault.New(fault.KindCreateFailed, "establish mounts", rp.Path, err)
	}
	return c.export(host, rp.Path)
}

func (c *Coordinator) taskStart(ctx context.Context, host Host) error {
	id, p, err := c.executionContext(host)
	if err != nil {
		return err
	}
	rp, err := c.provision(ctx, TaskStart, id, p, false)
	if err != nil {
		return err
	}
	return c.export(host, rp.Path)
}

func (c *Coordinator) taskExit(ctx context.Context, host Host) error {
	id, p, err := c.executionContext(host)
	if err != nil {
		return err
	}
	logger := c.logger(TaskExit, id)
	switch {
	case !p.RemoveOnExit:
		logger.Debug("removal disabled")
		return nil
	case !pathfmt.UsesStepDir(id, p, false):
		// Job-level directories belong to the cleanup step.
		return nil
	case p.UseSharedStorage && !p.PerNodeSubdir:
		// Other nodes may still use the shared step directory.
		logger.Debug("shared step directory removal deferred to job exit")
		return nil
	}
	return c.remove(ctx, TaskExit, id, p, false)
}

func (c *Coordinator) jobExit(ctx context.Context, host Host) error {
	id, err := host.Identity()
	if err != nil {
		return fmt.Errorf("job identity: %w", err)
	}
	logger := c.logger(JobExit, id)
	if id.StepID != c.settings.CleanupStep {
		logger.Debug("not the cleanup step", "cleanup_step", job.FormatStepID(c.settings.CleanupStep))
		return nil
	}
	p, err := c.executionPolicy(host)
	if err != nil {
		return err
	}

	var rp pathfmt.ResolvedPath
	if err := c.as(id, func() error {
		var rerr error
		rp, rerr = c.formatter.Resolve(id, p, true)
		return rerr
	}); err != nil {
		return err
	}

	var errs []error
	if err := c.mounts(id).TearDown(rp.Path); err != nil {
		logger.Warn("mount tear down failed", "path", rp.Path, "error", err)
		errs = append(errs, fmt.Errorf("tear down mounts: %w", err))
	}
	if p.RemoveOnExit {
		if err := c.remove(ctx, JobExit, id, p, true); err != nil {
			errs = append(errs, err)
		}
	} else {
		logger.Info("tmpdir kept", "path", rp.Path)
		c.record(ctx, Outcome{Event: JobExit, Identity: id, Path: rp.Path, Action: ActionKept, PolicyDigest: p.Fingerprint()})
	}
	return errors.Join(errs...)
}

// executionContext reads the identity and rebuilds the policy from the
// propagated environment.
func (c *Coordinator) executionContext(host Host) (job.Identity, policy.Policy, error) {
	id, err := host.Identity()
	if err != nil {
		return job.Identity{}, policy.Policy{}, fmt.Errorf("job identity: %w", err)
	}
	p, err := c.executionPolicy(host)
	if err != nil {
		return job.Identity{}, policy.Policy{}, err
	}
	return id, p, nil
}

func (c *Coordinator) executionPolicy(host Host) (policy.Policy, error) {
	p, err := propagate.Decode(host.Getenv)
	if err != nil {
		return policy.Policy{}, err
	}
	return p.WithSiteRules(c.settings.NoRmSharedOnly), nil
}

func (c *Coordinator) as(id job.Identity, body func() error) error {
	return c.scope.WithIdentity(id.UID, id.GID, body)
}

func (c *Coordinator) provision(ctx context.Context, ev Event, id job.Identity, p policy.Policy, ignoreStep bool) (pathfmt.ResolvedPath, error) {
	logger := c.logger(ev, id)
	if p.UseSharedStorage && c.settings.SharedPrefix == "" {
		logger.Warn("shared storage requested but no shared prefix is configured")
	}

	var rp pathfmt.ResolvedPath
	err := c.as(id, func() error {
		var err error
		rp, err = c.formatter.Resolve(id, p, ignoreStep)
		if err != nil {
			return err
		}
		_, err = provision.EnsurePath(rp.Base, rp.Path)
		return err
	})
	if err != nil {
		logger.Error("tmpdir provisioning failed", "path", rp.Path, "error", err)
		return rp, err
	}
	if rp.FellBack {
		logger.Warn("base directory inaccessible, fell back", "skipped", rp.Skipped, "base", rp.Base)
	}
	logger.Info("tmpdir ready", "path", rp.Path, "base", string(rp.Candidate))
	c.record(ctx, Outcome{Event: ev, Identity: id, Path: rp.Path, Action: ActionCreated, PolicyDigest: p.Fingerprint()})
	return rp, nil
}

// remove deletes the directory as the job owner. Job-level removal in
// per-node mode also tries to drop the shared job directory, which only
// succeeds once the last node is done with it.
func (c *Coordinator) remove(ctx context.Context, ev Event, id job.Identity, p policy.Policy, ignoreStep bool) error {
	logger := c.logger(ev, id)
	var path string
	err := c.as(id, func() error {
		rp, err := c.formatter.Resolve(id, p, ignoreStep)
		if err != nil {
			return err
		}
		path = rp.Path
		if err := remove.RemoveTree(path, id.UID); err != nil {
			return err
		}
		if ignoreStep && p.PerNode() {
			parent := filepath.Dir(path)
			if err := unix.Rmdir(parent); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) {
				logger.Debug("shared job directory not removed", "path", parent, "error", err)
			}
		}
		return nil
	})

	o := Outcome{Event: ev, Identity: id, Path: path, Action: ActionRemoved, PolicyDigest: p.Fingerprint()}
	if err != nil {
		o.Action, o.Err = ActionRemoveFailed, err
		logger.Warn("tmpdir removal failed", "path", path, "kind", fault.KindOf(err).String(), "error", err)
	} else {
		logger.Info("tmpdir removed", "path", path)
	}
	if path != "" {
		c.record(ctx, o)
	}
	return err
}

func (c *Coordinator) export(host Host, path string) error {
	if c.settings.ExportPath != "" {
		path = c.settings.ExportPath
	}
	if err := host.Setenv(c.settings.EnvVar, path); err != nil {
		return fmt.Errorf("export %s: %w", c.settings.EnvVar, err)
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, o Outcome) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, o); err != nil {
		c.logger(o.Event, o.Identity).Warn("ledger record failed", "path", o.Path, "error", err)
	}
}

func (c *Coordinator) logger(ev Event, id job.Identity) *slog.Logger {
	return log.WithJob(id).With(slog.String("component", "lifecycle"), slog.String("event", ev.String()))
}
