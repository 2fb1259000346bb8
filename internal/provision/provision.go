// Package provision materializes a tmpdir path one component at a time.
package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

// DirMode is applied to every directory this package creates.
const DirMode os.FileMode = 0o700

type options struct {
	chown        bool
	uid, gid     int
	noFollowBase bool
}

// Option configures EnsurePath.
type Option func(*options)

// WithOwner chowns every newly created component to uid/gid. Only useful to
// callers that are not already running as the owner.
func WithOwner(uid, gid int) Option {
	return func(o *options) {
		o.chown = true
		o.uid, o.gid = uid, gid
	}
}

// NoFollowBase refuses a base that is itself a symbolic link. Use it when the
// base is writable by someone other than the caller.
func NoFollowBase() Option {
	return func(o *options) { o.noFollowBase = true }
}

// EnsurePath creates every missing component of target below base. base must
// already exist; nothing at or above it is ever created. Components created
// concurrently by another process are accepted once re-checked as
// directories. It returns the length of the verified path.
func EnsurePath(base, target string, opts ...Option) (int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !filepath.IsAbs(base) || !filepath.IsAbs(target) {
		return 0, fault.New(fault.KindInvalidArgument, "ensure path", target, errors.New("base and target must be absolute"))
	}
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return 0, fault.New(fault.KindInvalidArgument, "ensure path", target, fmt.Errorf("not below base %s", base))
	}

	stat := os.Stat
	if o.noFollowBase {
		stat = os.Lstat
	}
	info, err := stat(base)
	if err != nil {
		return 0, fault.New(fault.KindBaseInaccessible, "ensure path", base, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return 0, fault.New(fault.KindNotADirectory, "ensure path", base, errors.New("base is a symbolic link"))
	}
	if !info.IsDir() {
		return 0, fault.New(fault.KindBaseInaccessible, "ensure path", base, errors.New("base is not a directory"))
	}
	if rel == "." {
		return len(target), nil
	}

	cur := base
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if err := ensureDir(cur, &o); err != nil {
			return 0, err
		}
	}
	return len(target), nil
}

func ensureDir(path string, o *options) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		return checkDir(path, info)
	case !errors.Is(err, fs.ErrNotExist):
		return fault.New(fault.KindCreateFailed, "stat", path, err)
	}

	if err := os.Mkdir(path, DirMode); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fault.New(fault.KindCreateFailed, "mkdir", path, err)
		}
		// Lost a race with another task; accept whatever won if it is a directory.
		info, err := os.Lstat(path)
		if err != nil {
			return fault.New(fault.KindCreateFailed, "stat", path, err)
		}
		return checkDir(path, info)
	}

	// Mkdir is filtered through the umask.
	if err := os.Chmod(path, DirMode); err != nil {
		return fault.New(fault.KindCreateFailed, "chmod", path, err)
	}
	if o.chown {
		if err := os.Lchown(path, o.uid, o.gid); err != nil {
			return fault.New(fault.KindCreateFailed, "chown", path, err)
		}
	}
	return nil
}

func checkDir(path string, info fs.FileInfo) error {
	if info.Mode()&fs.ModeSymlink != 0 {
		return fault.New(fault.KindNotADirectory, "ensure path", path, errors.New("component is a symbolic link"))
	}
	if !info.IsDir() {
		return fault.New(fault.KindNotADirectory, "ensure path", path, fmt.Errorf("component is a %s", info.Mode().Type()))
	}
	return nil
}
