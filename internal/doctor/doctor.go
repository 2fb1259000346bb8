// Package doctor checks a node's site configuration against the filesystems
// it points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/config"
	"github.com/mattjoyce/autotmpdir/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid        bool    `json:"valid"`
	ConfigPath   string  `json:"config_path,omitempty"`
	ConfigDigest string  `json:"config_digest,omitempty"`
	Errors       []Issue `json:"errors,omitempty"`
	Warnings     []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration on the local node.
type Doctor struct {
	cfg          *config.Config
	expectDigest string
	fsType       func(string) (string, error)
	stat         func(string) (fs.FileInfo, error)
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithExpectedDigest makes a config file whose blake3 digest differs an error.
func WithExpectedDigest(hex string) Option {
	return func(d *Doctor) { d.expectDigest = strings.ToLower(strings.TrimSpace(hex)) }
}

// WithFilesystemDetector overrides filesystem type detection.
func WithFilesystemDetector(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.fsType = fn }
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, fsType: storage.FilesystemType, stat: os.Stat}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, ConfigPath: d.cfg.SourcePath}

	if err := d.cfg.Validate(); err != nil {
		d.addError(r, "config", "", err.Error())
		r.Valid = false
		return r
	}

	d.validateDigest(r)
	d.validateLocalPrefix(r)
	d.validateSharedPrefix(r)
	d.validateMounts(r)
	d.validateLedger(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateDigest records the config digest and compares it with the pinned one.
func (d *Doctor) validateDigest(r *Result) {
	if d.cfg.SourcePath == "" {
		if d.expectDigest != "" {
			d.addError(r, "config", "", "digest pinned but configuration came from built-in defaults")
		}
		return
	}
	digest, err := config.ComputeBlake3Hash(d.cfg.SourcePath)
	if err != nil {
		d.addError(r, "config", "", err.Error())
		return
	}
	r.ConfigDigest = digest
	if d.expectDigest != "" {
		if err := config.VerifyFileHash(d.cfg.SourcePath, d.expectDigest); err != nil {
			d.addError(r, "config", "", err.Error())
		}
	}
}

// requireDir reports an error unless path is an existing directory.
func (d *Doctor) requireDir(r *Result, category, field, path string) (fs.FileInfo, bool) {
	info, err := d.stat(path)
	if err != nil {
		d.addError(r, category, field, fmt.Sprintf("%s is not accessible: %v", path, err))
		return nil, false
	}
	if !info.IsDir() {
		d.addError(r, category, field, fmt.Sprintf("%s is not a directory", path))
		return nil, false
	}
	return info, true
}

func (d *Doctor) validateLocalPrefix(r *Result) {
	p := d.cfg.LocalPrefix
	info, ok := d.requireDir(r, "prefix", "local_prefix", p)
	if !ok {
		return
	}
	perm := info.Mode()
	if perm.Perm()&0o002 != 0 && perm&fs.ModeSticky == 0 {
		d.addWarning(r, "prefix", "local_prefix",
			fmt.Sprintf("%s is world-writable without the sticky bit; users can remove each other's job directories", p))
	}
	if fsType, err := d.fsType(p); err == nil && storage.IsNetworkFilesystem(fsType) {
		d.addWarning(r, "prefix", "local_prefix",
			fmt.Sprintf("%s is on network filesystem %q; node-local job directories will share storage", p, fsType))
	}
}

func (d *Doctor) validateSharedPrefix(r *Result) {
	p := d.cfg.SharedPrefix
	if p == "" {
		return
	}
	if _, ok := d.requireDir(r, "prefix", "shared_prefix", p); !ok {
		return
	}
	if p == d.cfg.LocalPrefix {
		d.addWarning(r, "prefix", "shared_prefix", "shared_prefix equals local_prefix")
	}
	if fsType, err := d.fsType(p); err == nil && !storage.IsNetworkFilesystem(fsType) {
		d.addWarning(r, "prefix", "shared_prefix",
			fmt.Sprintf("%s is on local filesystem %q; other nodes will not see shared job directories", p, fsType))
	}
}

func (d *Doctor) validateMounts(r *Result) {
	for i, m := range d.cfg.Mounts {
		d.requireDir(r, "mounts", fmt.Sprintf("mounts[%d]", i), m)
	}
	if d.cfg.MapDevShm {
		d.requireDir(r, "mounts", "dev_shm_prefix", d.cfg.DevShmPrefix)
	}
	if (len(d.cfg.Mounts) > 0 || d.cfg.MapDevShm) && os.Geteuid() != 0 {
		d.addWarning(r, "mounts", "mounts", "bind mounts need root; they only take effect for `run` started as root")
	}
}

func (d *Doctor) validateLedger(r *Result) {
	if !d.cfg.Ledger.Enabled {
		return
	}
	fsType, err := d.fsType(d.cfg.Ledger.Path)
	if err != nil {
		d.addWarning(r, "ledger", "ledger.path", fmt.Sprintf("cannot detect filesystem: %v", err))
		return
	}
	if storage.IsNetworkFilesystem(fsType) {
		d.addError(r, "ledger", "ledger.path",
			fmt.Sprintf("%s is on network filesystem %q; the ledger must be node-local", d.cfg.Ledger.Path, fsType))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.ConfigPath != "" {
		fmt.Fprintf(&b, "Config: %s", r.ConfigPath)
		if r.ConfigDigest != "" {
			fmt.Fprintf(&b, " (blake3 %s)", r.ConfigDigest)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Config: built-in defaults\n")
	}

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
