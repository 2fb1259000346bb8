//go:build linux

package mount

import (
	"runtime"

	"golang.org/x/sys/unix"
)

type hostNamespace struct{}

func (hostNamespace) Isolate() error {
	// unshare only affects this thread; never unlock it so the runtime
	// discards the thread instead of reusing it elsewhere.
	runtime.LockOSThread()
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_SHARED, ""); err != nil {
		return err
	}
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return err
	}
	return unix.Mount("", "/", "", unix.MS_REC|unix.MS_SLAVE, "")
}

func (hostNamespace) Bind(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_BIND, "")
}

func (hostNamespace) Detach(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}
