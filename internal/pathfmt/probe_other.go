//go:build !linux && !darwin

package pathfmt

import (
	"fmt"
	"os"
)

// EffectiveAccess only checks that the path is a directory on this platform.
var EffectiveAccess Prober = ProberFunc(func(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
})
