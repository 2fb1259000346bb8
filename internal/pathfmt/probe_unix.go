//go:build linux || darwin

package pathfmt

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EffectiveAccess requires read, write and search permission on a directory
// for the effective (not real) uid/gid.
var EffectiveAccess Prober = ProberFunc(effectiveAccess)

func effectiveAccess(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if err := unix.Faccessat(unix.AT_FDCWD, path, unix.R_OK|unix.W_OK|unix.X_OK, unix.AT_EACCESS); err != nil {
		return fmt.Errorf("access %s: %w", path, err)
	}
	return nil
}
