//go:build !linux

package privilege

import (
	"errors"
	"os"
)

// Process only reports identity on this platform; switching is unsupported.
type Process struct{}

var _ Credentials = Process{}

func (Process) Effective() (int, int) { return os.Geteuid(), os.Getegid() }

func (Process) Groups() ([]int, error) { return os.Getgroups() }

func (Process) SetGroups([]int) error { return errors.ErrUnsupported }

func (Process) SetEGID(int) error { return errors.ErrUnsupported }

func (Process) SetEUID(int) error { return errors.ErrUnsupported }
