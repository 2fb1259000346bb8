package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/job"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file gives defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.LocalPrefix != "/tmp" {
					t.Errorf("local_prefix = %q, want /tmp", cfg.LocalPrefix)
				}
				if cfg.EnvVar != "TMPDIR" {
					t.Errorf("env_var = %q, want TMPDIR", cfg.EnvVar)
				}
				if step, _ := cfg.CleanupStepID(); step != job.StepExtern {
					t.Errorf("cleanup step = %d, want extern", step)
				}
			},
		},
		{
			name: "full config",
			yaml: `
log_level: debug
log_format: text
local_prefix: /scratch/local/
shared_prefix: /gpfs/scratch
cleanup_step: batch
no_rm_shared_only: true
mounts: [/tmp, /var/tmp]
map_dev_shm: true
ledger:
  enabled: true
  path: /var/lib/autotmpdir/ledger.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.LocalPrefix != "/scratch/local" {
					t.Errorf("local_prefix not cleaned: %q", cfg.LocalPrefix)
				}
				if cfg.SharedPrefix != "/gpfs/scratch" {
					t.Errorf("shared_prefix = %q", cfg.SharedPrefix)
				}
				if step, _ := cfg.CleanupStepID(); step != job.StepBatch {
					t.Errorf("cleanup step = %d, want batch", step)
				}
				if !cfg.NoRmSharedOnly || !cfg.MapDevShm || !cfg.Ledger.Enabled {
					t.Error("boolean keys not parsed")
				}
				if len(cfg.Mounts) != 2 {
					t.Errorf("mounts = %v", cfg.Mounts)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: "shared_prefix: ${SHARED_BASE}\n",
			env:  map[string]string{"SHARED_BASE": "/lustre/tmp"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.SharedPrefix != "/lustre/tmp" {
					t.Errorf("shared_prefix = %q, want /lustre/tmp", cfg.SharedPrefix)
				}
			},
		},
		{
			name:    "unresolved env var",
			yaml:    "shared_prefix: ${AUTOTMPDIR_TEST_UNSET}\n",
			wantErr: true,
		},
		{
			name:    "relative local prefix",
			yaml:    "local_prefix: tmp\n",
			wantErr: true,
		},
		{
			name:    "bad cleanup step",
			yaml:    "cleanup_step: 0\n",
			wantErr: true,
		},
		{
			name:    "bad log level",
			yaml:    "log_level: loud\n",
			wantErr: true,
		},
		{
			name:    "root mount",
			yaml:    "mounts: [/]\n",
			wantErr: true,
		},
		{
			name:    "duplicate mount",
			yaml:    "mounts: [/tmp, /tmp/]\n",
			wantErr: true,
		},
		{
			name:    "relative ledger path",
			yaml:    "ledger: {enabled: true, path: ledger.db}\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "mounts: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeConfig(t, tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestValidateErrorsAreInvalidArgument(t *testing.T) {
	cfg := Defaults()
	cfg.LocalPrefix = "relative"
	if err := cfg.Validate(); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Validate() error = %v, want InvalidArgument", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing path should fail")
	}

	path := writeConfig(t, "local_prefix: /scratch\n")
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Resolve(""); got != DefaultPath {
		t.Errorf("Resolve() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvConfigPath, "/opt/site.yaml")
	if got := Resolve(""); got != "/opt/site.yaml" {
		t.Errorf("Resolve() = %q, want env path", got)
	}
	if got := Resolve("/x.yaml"); got != "/x.yaml" {
		t.Errorf("Resolve() = %q, want explicit path", got)
	}
}
