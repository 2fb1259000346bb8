//go:build unix

// Package remove deletes tmpdir trees without following symbolic links or
// leaving the filesystem the tree lives on.
package remove

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

// MaxDepth bounds how deep the traversal descends below the top directory.
const MaxDepth = 512

var (
	errCrossDevice = errors.New("entry is on another filesystem")
	errTooDeep     = fmt.Errorf("deeper than %d levels", MaxDepth)
)

type options struct {
	childrenOnly bool
}

// Option configures RemoveTree.
type Option func(*options)

// ChildrenOnly empties the top directory but keeps it, e.g. when it is still
// a mount point.
func ChildrenOnly() Option {
	return func(o *options) { o.childrenOnly = true }
}

// RemoveTree deletes path and everything below it. The top directory must be
// owned by expectedUID or nothing is touched. A missing path is success.
// Entries that cannot be removed are skipped and reported together as a
// RemovalPartialFailure once the whole tree has been visited.
func RemoveTree(path string, expectedUID int, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !filepath.IsAbs(path) {
		return fault.New(fault.KindInvalidArgument, "remove tree", path, errors.New("path must be absolute"))
	}
	path = filepath.Clean(path)
	if path == "/" {
		return fault.New(fault.KindInvalidArgument, "remove tree", path, errors.New("refusing to remove /"))
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	switch {
	case errors.Is(err, unix.ENOENT):
		return nil
	case errors.Is(err, unix.ENOTDIR), errors.Is(err, unix.ELOOP):
		return fault.New(fault.KindNotADirectory, "remove tree", path, err)
	case err != nil:
		return fault.New(fault.KindRemovalPartialFailure, "open", path, err)
	}
	top := os.NewFile(uintptr(fd), path)
	defer top.Close()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fault.New(fault.KindRemovalPartialFailure, "stat", path, err)
	}
	if int(st.Uid) != expectedUID {
		return fault.New(fault.KindOwnershipMismatch, "remove tree", path,
			fmt.Errorf("owner uid %d, expected %d", st.Uid, expectedUID))
	}

	w := &walker{dev: uint64(st.Dev)}
	w.empty(top, 0)
	if !o.childrenOnly {
		if err := unix.Rmdir(path); err != nil && !errors.Is(err, unix.ENOENT) {
			w.fail("rmdir", path, err)
		}
	}
	if len(w.failures) > 0 {
		return fault.New(fault.KindRemovalPartialFailure, "remove tree", path,
			fmt.Errorf("%d entries not removed: %w", len(w.failures), errors.Join(w.failures...)))
	}
	return nil
}

type walker struct {
	dev      uint64
	failures []error
}

func (w *walker) fail(op, path string, err error) {
	w.failures = append(w.failures, &fs.PathError{Op: op, Path: path, Err: err})
}

// empty removes the contents of dir, children before parents. Every lookup is
// relative to an open directory descriptor so a concurrent rename or a
// symlink swap cannot redirect the walk.
func (w *walker) empty(dir *os.File, depth int) {
	names, err := dir.Readdirnames(-1)
	if err != nil {
		w.fail("readdir", dir.Name(), err)
	}
	dfd := int(dir.Fd())

	for _, name := range names {
		child := filepath.Join(dir.Name(), name)

		var st unix.Stat_t
		if err := unix.Fstatat(dfd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			if !errors.Is(err, unix.ENOENT) {
				w.fail("lstat", child, err)
			}
			continue
		}

		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			if err := unix.Unlinkat(dfd, name, 0); err != nil && !errors.Is(err, unix.ENOENT) {
				w.fail("unlink", child, err)
			}
			continue
		}

		if uint64(st.Dev) != w.dev {
			w.fail("descend", child, errCrossDevice)
			continue
		}
		if depth+1 >= MaxDepth {
			w.fail("descend", child, errTooDeep)
			continue
		}
		if !w.descend(dfd, name, child, &st, depth+1) {
			continue
		}
		if err := unix.Unlinkat(dfd, name, unix.AT_REMOVEDIR); err != nil && !errors.Is(err, unix.ENOENT) {
			w.fail("rmdir", child, err)
		}
	}
}

// descend opens a child directory and empties it. It reports false when the
// child could not be entered or was swapped after it was examined.
func (w *walker) descend(dfd int, name, child string, seen *unix.Stat_t, depth int) bool {
	cfd, err := unix.Openat(dfd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if !errors.Is(err, unix.ENOENT) {
			w.fail("open", child, err)
		}
		return false
	}
	f := os.NewFile(uintptr(cfd), child)
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(cfd, &st); err != nil {
		w.fail("stat", child, err)
		return false
	}
	if st.Dev != seen.Dev || st.Ino != seen.Ino {
		w.fail("descend", child, errors.New("entry changed during traversal"))
		return false
	}
	w.empty(f, depth)
	return true
}
