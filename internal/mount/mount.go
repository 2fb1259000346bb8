// Package mount maps per-job directories over shared system paths such as
// /dev/shm so a job sees private copies of them.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/log"
	"github.com/mattjoyce/autotmpdir/internal/pathfmt"
	"github.com/mattjoyce/autotmpdir/internal/privilege"
	"github.com/mattjoyce/autotmpdir/internal/provision"
	"github.com/mattjoyce/autotmpdir/internal/remove"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/autotmpdir/internal/mount Provider

// Provider wraps a job directory with whatever mounts the site wants.
// Establish runs after the job directory exists; TearDown runs before it is
// removed.
type Provider interface {
	Establish(jobDir string) error
	TearDown(jobDir string) error
}

// Noop is a Provider that does nothing.
type Noop struct{}

func (Noop) Establish(string) error { return nil }
func (Noop) TearDown(string) error  { return nil }

// DefaultDevShm is the path mapped when MapDevShm is set.
const DefaultDevShm = "/dev/shm"

// Config lists the bind mounts for one job.
type Config struct {
	// Mounts are absolute paths that get a private per-job directory.
	Mounts []string
	// MapDevShm also gives the job a private /dev/shm.
	MapDevShm bool
	// DevShmPrefix is where the private /dev/shm directories live.
	DevShmPrefix string
	JobID        uint32
	UID, GID     int
}

// Bindpoint is one source directory bind-mounted onto Target.
type Bindpoint struct {
	Source string
	Target string
	// Owned sources live outside the job directory and are removed on
	// tear down.
	Owned bool
}

// HiddenName flattens a mount target into a single directory name:
// /var/tmp becomes var_tmp.
func HiddenName(target string) string {
	return strings.ReplaceAll(strings.Trim(filepath.Clean(target), "/"), "/", "_")
}

// Plan returns the bindpoints for jobDir in mount order. Repeated targets are
// dropped.
func (c Config) Plan(jobDir string) ([]Bindpoint, error) {
	var (
		out  []Bindpoint
		seen []string
	)
	for _, m := range c.Mounts {
		if !filepath.IsAbs(m) || HiddenName(m) == "" {
			return nil, fmt.Errorf("invalid mount target %q", m)
		}
		target := filepath.Clean(m)
		if slices.Contains(seen, target) {
			continue
		}
		seen = append(seen, target)
		out = append(out, Bindpoint{Source: filepath.Join(jobDir, HiddenName(target)), Target: target})
	}
	if c.MapDevShm && !slices.Contains(seen, DefaultDevShm) {
		prefix := c.DevShmPrefix
		if prefix == "" {
			prefix = DefaultDevShm
		}
		out = append(out, Bindpoint{
			Source: filepath.Join(prefix, pathfmt.JobDirName(c.JobID)),
			Target: DefaultDevShm,
			Owned:  true,
		})
	}
	return out, nil
}

// namespace is the kernel surface Bind needs.
type namespace interface {
	// Isolate moves the calling thread into a private mount namespace that
	// still receives mount events from the host.
	Isolate() error
	Bind(source, target string) error
	Detach(target string) error
}

// Bind is a Provider backed by bind mounts in a private mount namespace.
// The namespace belongs to the calling OS thread, which stays locked; child
// processes must be started from the same goroutine that called Establish.
type Bind struct {
	cfg     Config
	ns      namespace
	scope   *privilege.Scope
	mounted []Bindpoint
}

var _ Provider = (*Bind)(nil)

// NewBind returns a Bind provider for cfg.
func NewBind(cfg Config) *Bind {
	return &Bind{cfg: cfg, ns: hostNamespace{}, scope: privilege.NewScope(privilege.Process{})}
}

// as runs body as the job owner.
func (b *Bind) as(body func() error) error {
	scope := b.scope
	if scope == nil {
		scope = privilege.NewScope(privilege.Process{})
	}
	return scope.WithIdentity(b.cfg.UID, b.cfg.GID, body)
}

// Establish creates the source directories and mounts them. Mounting runs in
// reverse plan order so that later entries may sit below earlier targets.
// Sources are mounted through descriptors opened without following links, so
// swapping a source for a symlink after it was checked has no effect.
func (b *Bind) Establish(jobDir string) error {
	plan, err := b.cfg.Plan(jobDir)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}
	logger := log.WithComponent("mount")

	sources := make([]*os.File, 0, len(plan))
	defer func() {
		for _, f := range sources {
			_ = f.Close()
		}
	}()
	for _, bp := range plan {
		f, err := b.prepare(jobDir, bp)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", bp.Target, err)
		}
		sources = append(sources, f)
		if err := mustBeDir(bp.Target); err != nil {
			return err
		}
	}

	if err := b.ns.Isolate(); err != nil {
		return fmt.Errorf("isolate mount namespace: %w", err)
	}
	for i := len(plan) - 1; i >= 0; i-- {
		bp := plan[i]
		if err := b.ns.Bind(fdPath(sources[i]), bp.Target); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", bp.Source, bp.Target, err)
		}
		b.mounted = append(b.mounted, bp)
		logger.Debug("bind mounted", "source", bp.Source, "target", bp.Target)
	}
	return nil
}

// TearDown detaches what Establish mounted, newest first, and removes owned
// sources. Sources inside the job directory are left to the caller.
func (b *Bind) TearDown(jobDir string) error {
	var errs []error
	for i := len(b.mounted) - 1; i >= 0; i-- {
		bp := b.mounted[i]
		if err := b.ns.Detach(bp.Target); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", bp.Target, err))
			// Still mounted: the target shows the job's files, so empty it.
			if err := b.as(func() error {
				return remove.RemoveTree(bp.Target, b.cfg.UID, remove.ChildrenOnly())
			}); err != nil {
				errs = append(errs, fmt.Errorf("empty %s: %w", bp.Target, err))
			}
			continue
		}
		b.mounted = b.mounted[:i]
	}

	plan, err := b.cfg.Plan(jobDir)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, bp := range plan {
		if !bp.Owned {
			continue
		}
		if err := remove.RemoveTree(bp.Source, b.cfg.UID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// prepare creates the source of bp and opens it. Sources inside the job
// directory are created and opened as the job owner, who controls that tree.
// Owned sources sit below a site prefix and are handed to the owner.
func (b *Bind) prepare(jobDir string, bp Bindpoint) (*os.File, error) {
	if bp.Owned {
		if _, err := provision.EnsurePath(filepath.Dir(bp.Source), bp.Source, provision.WithOwner(b.cfg.UID, b.cfg.GID)); err != nil {
			return nil, err
		}
		return openSource(bp.Source, b.cfg.UID)
	}
	var f *os.File
	err := b.as(func() error {
		if _, err := provision.EnsurePath(jobDir, bp.Source, provision.NoFollowBase()); err != nil {
			return err
		}
		var oerr error
		f, oerr = openSource(bp.Source, b.cfg.UID)
		return oerr
	})
	return f, err
}

// openSource opens a source directory without following a final symlink and
// checks that uid owns it.
func openSource(path string, uid int) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.ENOTDIR) {
			return nil, fault.New(fault.KindNotADirectory, "open mount source", path, err)
		}
		return nil, fmt.Errorf("open mount source %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stat mount source %s: %w", path, err)
	}
	if int(st.Uid) != uid {
		_ = unix.Close(fd)
		return nil, fault.New(fault.KindOwnershipMismatch, "open mount source", path, fmt.Errorf("owned by uid %d, want %d", st.Uid, uid))
	}
	return os.NewFile(uintptr(fd), path), nil
}

// fdPath names an open descriptor through procfs so the kernel mounts exactly
// the directory that was checked.
func fdPath(f *os.File) string {
	return "/proc/self/fd/" + strconv.Itoa(int(f.Fd()))
}

func mustBeDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mount target: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount target %s must be a directory", path)
	}
	return nil
}
