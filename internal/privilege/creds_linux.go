//go:build linux

package privilege

import (
	"os"
	"syscall"
)

// Process switches the identity of the whole process. The syscall package
// applies set*id calls to every runtime thread, so work scheduled on any
// goroutine observes the switched identity. Real and saved ids are left
// alone so the original identity can always be restored.
type Process struct{}

var _ Credentials = Process{}

func (Process) Effective() (int, int) { return os.Geteuid(), os.Getegid() }

func (Process) Groups() ([]int, error) { return os.Getgroups() }

func (Process) SetGroups(gids []int) error { return syscall.Setgroups(gids) }

func (Process) SetEGID(gid int) error { return syscall.Setresgid(-1, gid, -1) }

func (Process) SetEUID(uid int) error { return syscall.Setresuid(-1, uid, -1) }
