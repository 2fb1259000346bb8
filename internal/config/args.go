package config

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

// ApplyArgs applies plugin-stack style arguments ("key=value" or a bare
// word) on top of c and re-validates. Mount arguments accumulate; repeated
// mounts are ignored.
func (c *Config) ApplyArgs(args []string) error {
	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		switch {
		case hasValue && key == "local_prefix":
			c.LocalPrefix = value
		case hasValue && key == "shared_prefix":
			c.SharedPrefix = value
		case hasValue && key == "tmpdir":
			c.ExportPath = value
		case hasValue && key == "env_var":
			c.EnvVar = value
		case hasValue && key == "mount":
			if !containsClean(c.Mounts, value) {
				c.Mounts = append(c.Mounts, value)
			}
		case hasValue && key == "dev_shm_prefix":
			c.DevShmPrefix = value
		case hasValue && key == "cleanup_step":
			c.CleanupStep = value
		case hasValue && key == "log_level":
			c.LogLevel = value
		case !hasValue && key == "no_dev_shm":
			c.MapDevShm = false
		case !hasValue && key == "dev_shm":
			c.MapDevShm = true
		case !hasValue && key == "no_rm_shared_only":
			c.NoRmSharedOnly = true
		case !hasValue && key == "precreate_local":
			c.PrecreateLocal = true
		case !hasValue && key == "ledger":
			c.Ledger.Enabled = true
		default:
			return fault.New(fault.KindInvalidArgument, "config args", "", fmt.Errorf("unknown argument %q", arg))
		}
	}
	return c.Validate()
}

func containsClean(list []string, v string) bool {
	v = strings.TrimRight(v, "/")
	for _, m := range list {
		if strings.TrimRight(m, "/") == v {
			return true
		}
	}
	return false
}
