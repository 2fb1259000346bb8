package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/lifecycle/mocks"
	"github.com/mattjoyce/autotmpdir/internal/mount"
	mountmocks "github.com/mattjoyce/autotmpdir/internal/mount/mocks"
	"github.com/mattjoyce/autotmpdir/internal/policy"
	"github.com/mattjoyce/autotmpdir/internal/propagate"
)

type memRecorder struct {
	outcomes []Outcome
	err      error
}

func (r *memRecorder) Record(_ context.Context, o Outcome) error {
	r.outcomes = append(r.outcomes, o)
	return r.err
}

// self is an identity owned by the test process so no switch is needed.
func self(jobID, step, task uint32) job.Identity {
	return job.Identity{JobID: jobID, StepID: step, TaskID: task, UID: os.Geteuid(), GID: os.Getegid()}
}

func envFor(p policy.Policy) map[string]string {
	env := map[string]string{}
	for _, e := range propagate.Encode(p) {
		env[e.Key] = e.Value
	}
	return env
}

func newHost(ctrl *gomock.Controller, id job.Identity, env map[string]string) *mocks.MockHost {
	h := mocks.NewMockHost(ctrl)
	h.EXPECT().Identity().Return(id, nil).AnyTimes()
	h.EXPECT().Getenv(gomock.Any()).DoAndReturn(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}).AnyTimes()
	h.EXPECT().Setenv(gomock.Any(), gomock.Any()).DoAndReturn(func(k, v string) error {
		env[k] = v
		return nil
	}).AnyTimes()
	return h
}

func newCoordinator(t *testing.T, base string, opts ...Option) *Coordinator {
	t.Helper()
	s := DefaultSettings()
	s.LocalPrefix = base
	c, err := New(s, opts...)
	require.NoError(t, err)
	return c
}

func TestExportPathOverridesDirectory(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	s := DefaultSettings()
	s.LocalPrefix = base
	s.ExportPath = "/tmp"
	c, err := New(s)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(100, 0, 0), env)))
	assert.Equal(t, "/tmp", env["TMPDIR"])
	assert.DirExists(t, filepath.Join(base, "job_100", "step_0.0"))
}

func TestResolveCreatesNothing(t *testing.T) {
	base := t.TempDir()
	c := newCoordinator(t, base)

	rp, err := c.Resolve(self(7, 1, 0), policy.Default(), false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "job_7", "step_1.0"), rp.Path)

	rp, err = c.Resolve(self(7, 1, 0), policy.Default(), true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "job_7"), rp.Path)
	assert.NoDirExists(t, rp.Path)
}

func TestTaskStartRealStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	c := newCoordinator(t, base)

	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(100, 0, 2), env)))

	want := filepath.Join(base, "job_100", "step_0.2")
	assert.Equal(t, want, env["TMPDIR"])
	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestTaskStartBatchUsesJobDirectory(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	c := newCoordinator(t, base)

	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(100, job.StepBatch, 0), env)))
	assert.Equal(t, filepath.Join(base, "job_100"), env["TMPDIR"])
}

func TestTaskStartWithoutPerStepSharesJobDirectory(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	p := policy.Default()
	p.CreatePerStep = false
	c := newCoordinator(t, base)

	envA, envB := envFor(p), envFor(p)
	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(5, 0, 0), envA)))
	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(5, 3, 1), envB)))
	assert.Equal(t, filepath.Join(base, "job_5"), envA["TMPDIR"])
	assert.Equal(t, envA["TMPDIR"], envB["TMPDIR"])
}

func TestRemoteSetupProvisionsAndMounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	jobDir := filepath.Join(base, "job_7")

	provider := mountmocks.NewMockProvider(ctrl)
	provider.EXPECT().Establish(jobDir).DoAndReturn(func(p string) error {
		assert.DirExists(t, p, "mounts are established after the directory exists")
		return nil
	})
	c := newCoordinator(t, base, WithMounts(func(job.Identity) mount.Provider { return provider }))

	require.NoError(t, c.Handle(context.Background(), RemoteSetup, newHost(ctrl, self(7, 0, 0), env)))
	assert.Equal(t, jobDir, env["TMPDIR"])
}

func TestRemoteSetupMountFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mountmocks.NewMockProvider(ctrl)
	provider.EXPECT().Establish(gomock.Any()).Return(errors.New("EPERM"))
	c := newCoordinator(t, t.TempDir(), WithMounts(func(job.Identity) mount.Provider { return provider }))

	err := c.Handle(context.Background(), RemoteSetup, newHost(ctrl, self(7, 0, 0), envFor(policy.Default())))
	assert.ErrorIs(t, err, fault.ErrCreateFailed)
	assert.True(t, IsFatal(RemoteSetup, err))
}

func TestTaskExitRemovesStepDirectoryOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	rec := &memRecorder{}
	c := newCoordinator(t, base, WithRecorder(rec))
	host := newHost(ctrl, self(100, 0, 2), env)

	require.NoError(t, c.Handle(context.Background(), TaskStart, host))
	require.NoError(t, os.WriteFile(filepath.Join(env["TMPDIR"], "scratch"), nil, 0o600))
	require.NoError(t, c.Handle(context.Background(), TaskExit, host))

	assert.NoDirExists(t, filepath.Join(base, "job_100", "step_0.2"))
	assert.DirExists(t, filepath.Join(base, "job_100"))

	require.Len(t, rec.outcomes, 2)
	assert.Equal(t, ActionCreated, rec.outcomes[0].Action)
	assert.Equal(t, ActionRemoved, rec.outcomes[1].Action)
	assert.Equal(t, policy.Default().Fingerprint(), rec.outcomes[1].PolicyDigest)
}

func TestTaskExitNeverRemovesJobDirectory(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	c := newCoordinator(t, base)
	host := newHost(ctrl, self(100, job.StepBatch, 0), env)

	require.NoError(t, c.Handle(context.Background(), TaskStart, host))
	require.NoError(t, c.Handle(context.Background(), TaskExit, host))
	assert.DirExists(t, filepath.Join(base, "job_100"))
}

func TestTaskExitSharedWithoutPerNodeDefers(t *testing.T) {
	ctrl := gomock.NewController(t)
	local, shared := t.TempDir(), t.TempDir()
	p := policy.Default()
	p.UseSharedStorage = true
	env := envFor(p)

	s := DefaultSettings()
	s.LocalPrefix, s.SharedPrefix = local, shared
	c, err := New(s)
	require.NoError(t, err)
	host := newHost(ctrl, self(3, 1, 0), env)

	require.NoError(t, c.Handle(context.Background(), TaskStart, host))
	step := filepath.Join(shared, "job_3", "step_1.0")
	assert.Equal(t, step, env["TMPDIR"])

	require.NoError(t, c.Handle(context.Background(), TaskExit, host))
	assert.DirExists(t, step)
}

func TestJobExitOnlyInCleanupStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	c := newCoordinator(t, base)

	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(100, 0, 0), env)))

	for _, step := range []uint32{job.StepBatch, 0, 4} {
		require.NoError(t, c.Handle(context.Background(), JobExit, newHost(ctrl, self(100, step, 0), env)))
		assert.DirExists(t, filepath.Join(base, "job_100"), "step %s must not clean up", job.FormatStepID(step))
	}

	require.NoError(t, c.Handle(context.Background(), JobExit, newHost(ctrl, self(100, job.StepExtern, 0), env)))
	assert.NoDirExists(t, filepath.Join(base, "job_100"))
}

func TestJobExitBatchCleanupStep(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	s := DefaultSettings()
	s.LocalPrefix = base
	s.CleanupStep = job.StepBatch
	c, err := New(s)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), RemoteSetup, newHost(ctrl, self(8, job.StepBatch, 0), env)))
	require.NoError(t, c.Handle(context.Background(), JobExit, newHost(ctrl, self(8, job.StepBatch, 0), env)))
	assert.NoDirExists(t, filepath.Join(base, "job_8"))
}

func TestJobExitTearsDownMountsBeforeRemoval(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := envFor(policy.Default())
	jobDir := filepath.Join(base, "job_9")

	provider := mountmocks.NewMockProvider(ctrl)
	gomock.InOrder(
		provider.EXPECT().Establish(jobDir).Return(nil),
		provider.EXPECT().TearDown(jobDir).DoAndReturn(func(p string) error {
			assert.DirExists(t, p)
			return nil
		}),
	)
	c := newCoordinator(t, base, WithMounts(func(job.Identity) mount.Provider { return provider }))
	host := newHost(ctrl, self(9, job.StepExtern, 0), env)

	require.NoError(t, c.Handle(context.Background(), RemoteSetup, host))
	require.NoError(t, c.Handle(context.Background(), JobExit, host))
	assert.NoDirExists(t, jobDir)
}

func TestNoRemoveKeepsEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	p := policy.Default()
	p.RemoveOnExit = false
	env := envFor(p)
	rec := &memRecorder{}
	c := newCoordinator(t, base, WithRecorder(rec))

	step := newHost(ctrl, self(11, 0, 0), env)
	require.NoError(t, c.Handle(context.Background(), TaskStart, step))
	require.NoError(t, c.Handle(context.Background(), TaskExit, step))
	require.NoError(t, c.Handle(context.Background(), JobExit, newHost(ctrl, self(11, job.StepExtern, 0), env)))
	assert.DirExists(t, filepath.Join(base, "job_11", "step_0.0"))

	// job exit still leaves a row so the reaper knows the job is over
	last := rec.outcomes[len(rec.outcomes)-1]
	assert.Equal(t, JobExit, last.Event)
	assert.Equal(t, ActionKept, last.Action)
	assert.Equal(t, filepath.Join(base, "job_11"), last.Path)
}

func TestNoRmSharedOnlyForcesLocalRemoval(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	p := policy.Default()
	p.RemoveOnExit = false
	env := envFor(p)

	s := DefaultSettings()
	s.LocalPrefix = base
	s.NoRmSharedOnly = true
	c, err := New(s)
	require.NoError(t, err)

	host := newHost(ctrl, self(12, 0, 0), env)
	require.NoError(t, c.Handle(context.Background(), TaskStart, host))
	require.NoError(t, c.Handle(context.Background(), TaskExit, host))
	assert.NoDirExists(t, filepath.Join(base, "job_12", "step_0.0"))
}

func TestPerNodeSharedLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	local, shared := t.TempDir(), t.TempDir()
	p := policy.Default()
	p.UseSharedStorage, p.PerNodeSubdir = true, true
	env := envFor(p)

	s := DefaultSettings()
	s.LocalPrefix, s.SharedPrefix = local, shared
	c, err := New(s, WithHostname(func() (string, error) { return "node07.cluster.example", nil }))
	require.NoError(t, err)

	task := newHost(ctrl, self(1, 2, 3), env)
	require.NoError(t, c.Handle(context.Background(), TaskStart, task))
	assert.Equal(t, filepath.Join(shared, "job_1", "node07", "step_2.3"), env["TMPDIR"])

	require.NoError(t, c.Handle(context.Background(), TaskExit, task))
	assert.NoDirExists(t, filepath.Join(shared, "job_1", "node07", "step_2.3"))

	require.NoError(t, c.Handle(context.Background(), JobExit, newHost(ctrl, self(1, job.StepExtern, 0), env)))
	assert.NoDirExists(t, filepath.Join(shared, "job_1"), "last node removes the shared job directory")
}

func TestPerNodeJobExitKeepsOtherNodes(t *testing.T) {
	ctrl := gomock.NewController(t)
	shared := t.TempDir()
	p := policy.Default()
	p.UseSharedStorage, p.PerNodeSubdir = true, true
	env := envFor(p)
	other := filepath.Join(shared, "job_1", "node08")
	require.NoError(t, os.MkdirAll(other, 0o700))

	s := DefaultSettings()
	s.LocalPrefix, s.SharedPrefix = t.TempDir(), shared
	c, err := New(s, WithHostname(func() (string, error) { return "node07", nil }))
	require.NoError(t, err)

	host := newHost(ctrl, self(1, job.StepExtern, 0), env)
	require.NoError(t, c.Handle(context.Background(), RemoteSetup, host))
	require.NoError(t, c.Handle(context.Background(), JobExit, host))
	assert.NoDirExists(t, filepath.Join(shared, "job_1", "node07"))
	assert.DirExists(t, other)
}

func TestLocalSetupExportsPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	p := policy.Default()
	p.CreatePerStep = false
	p.UseSharedStorage = true
	env := map[string]string{}
	c := newCoordinator(t, base, WithPolicy(p))

	require.NoError(t, c.Handle(context.Background(), LocalSetup, newHost(ctrl, self(20, 0, 0), env)))

	got, err := propagate.Decode(propagate.MapLookup(env))
	require.NoError(t, err)
	assert.Equal(t, p, got)
	_, exported := env["TMPDIR"]
	assert.False(t, exported)
	assert.NoDirExists(t, filepath.Join(base, "job_20"))
}

func TestLocalSetupPrecreates(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	env := map[string]string{}
	s := DefaultSettings()
	s.LocalPrefix = base
	s.PrecreateLocal = true
	c, err := New(s)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), LocalSetup, newHost(ctrl, self(21, 0, 0), env)))
	assert.Equal(t, filepath.Join(base, "job_21"), env["TMPDIR"])
	assert.DirExists(t, env["TMPDIR"])
}

func TestInvalidPropagatedValueIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := map[string]string{propagate.Key(policy.OptTmpdir): "relative/path"}
	c := newCoordinator(t, t.TempDir())

	err := c.Handle(context.Background(), TaskStart, newHost(ctrl, self(1, 0, 0), env))
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	assert.True(t, IsFatal(TaskStart, err))
}

func TestInaccessibleBaseIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	missing := filepath.Join(t.TempDir(), "absent")
	c := newCoordinator(t, missing)

	err := c.Handle(context.Background(), TaskStart, newHost(ctrl, self(1, 0, 0), envFor(policy.Default())))
	assert.ErrorIs(t, err, fault.ErrBaseInaccessible)
	assert.True(t, IsFatal(TaskStart, err))
}

func TestExplicitBaseFallsBackToLocal(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	p := policy.Default()
	p.BasePath = filepath.Join(t.TempDir(), "absent")
	env := envFor(p)
	c := newCoordinator(t, base)

	require.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(2, 0, 0), env)))
	assert.Equal(t, filepath.Join(base, "job_2", "step_0.0"), env["TMPDIR"])
}

func TestJobExitOwnershipMismatchIsNotFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "job_30"), 0o700))

	// The job claims another owner; the credentials pretend the switch to it
	// succeeded so the tree is checked against the wrong uid.
	id := self(30, job.StepExtern, 0)
	id.UID++
	rec := &memRecorder{}
	c := newCoordinator(t, base, WithRecorder(rec), WithCredentials(fixedCreds{uid: id.UID, gid: id.GID}))

	err := c.Handle(context.Background(), JobExit, newHost(ctrl, id, envFor(policy.Default())))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrOwnershipMismatch)
	assert.False(t, IsFatal(JobExit, err))
	assert.DirExists(t, filepath.Join(base, "job_30"))

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, ActionRemoveFailed, rec.outcomes[0].Action)
}

func TestRecorderFailureDoesNotFailCallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCoordinator(t, t.TempDir(), WithRecorder(&memRecorder{err: errors.New("disk full")}))
	assert.NoError(t, c.Handle(context.Background(), TaskStart, newHost(ctrl, self(1, 0, 0), envFor(policy.Default()))))
}

func TestHandleCancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCoordinator(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Handle(ctx, TaskStart, mocks.NewMockHost(ctrl)), context.Canceled)
}

func TestHandleOptionRegistrationHasNoEffects(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCoordinator(t, t.TempDir())
	// no host calls expected
	assert.NoError(t, c.Handle(context.Background(), OptionRegistration, mocks.NewMockHost(ctrl)))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	b := RegisterOptions(fs)
	require.NoError(t, fs.Parse([]string{"--no-step-tmpdir"}))
	assert.False(t, b.Policy().CreatePerStep)
}

func TestHandleUnknownEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newCoordinator(t, t.TempDir())
	assert.ErrorIs(t, c.Handle(context.Background(), Event(99), mocks.NewMockHost(ctrl)), fault.ErrInvalidArgument)
}

func TestNewValidatesSettings(t *testing.T) {
	tests := map[string]func(*Settings){
		"relative local":  func(s *Settings) { s.LocalPrefix = "tmp" },
		"relative shared": func(s *Settings) { s.SharedPrefix = "scratch" },
		"empty env var":   func(s *Settings) { s.EnvVar = "" },
		"relative export": func(s *Settings) { s.ExportPath = "tmp" },
		"real cleanup":    func(s *Settings) { s.CleanupStep = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := DefaultSettings()
			mutate(&s)
			_, err := New(s)
			assert.ErrorIs(t, err, fault.ErrInvalidArgument)
		})
	}
}

func TestEventNames(t *testing.T) {
	for _, ev := range Events() {
		got, err := ParseEvent(ev.String())
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
	_, err := ParseEvent("prolog")
	assert.Error(t, err)
	assert.True(t, JobExit.ExitPath())
	assert.False(t, LocalSetup.ExecutionSide())
}

// fixedCreds reports a constant identity and accepts every switch.
type fixedCreds struct{ uid, gid int }

func (f fixedCreds) Effective() (int, int) { return f.uid, f.gid }
func (fixedCreds) Groups() ([]int, error)  { return nil, nil }
func (fixedCreds) SetGroups([]int) error   { return nil }
func (fixedCreds) SetEGID(int) error       { return nil }
func (fixedCreds) SetEUID(int) error       { return nil }
