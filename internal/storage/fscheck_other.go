//go:build !linux

package storage

import (
	"errors"
	"fmt"
	"runtime"
)

// Job directories only live on Linux compute nodes.
func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("detect filesystem of %s on %s: %w", path, runtime.GOOS, errors.ErrUnsupported)
}
