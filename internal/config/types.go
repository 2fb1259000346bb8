package config

// Config is the site configuration shared by every node.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// LocalPrefix is the node-local base for job directories.
	LocalPrefix string `yaml:"local_prefix"`
	// SharedPrefix is the shared-storage base. Empty disables shared storage.
	SharedPrefix string `yaml:"shared_prefix"`
	// EnvVar is the variable pointed at the job directory.
	EnvVar string `yaml:"env_var"`
	// ExportPath, when set, is exported instead of the job directory. Sites
	// that bind the job directory over a well-known path export that path.
	ExportPath string `yaml:"export_path"`
	// CleanupStep is "extern" or "batch".
	CleanupStep    string `yaml:"cleanup_step"`
	NoRmSharedOnly bool   `yaml:"no_rm_shared_only"`
	PrecreateLocal bool   `yaml:"precreate_local"`

	Mounts       []string `yaml:"mounts"`
	MapDevShm    bool     `yaml:"map_dev_shm"`
	DevShmPrefix string   `yaml:"dev_shm_prefix"`

	Ledger LedgerConfig `yaml:"ledger"`

	// SourcePath is the file the configuration was read from, if any.
	SourcePath string `yaml:"-"`
}

// LedgerConfig controls the directory ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default locations.
const (
	DefaultPath       = "/etc/autotmpdir/config.yaml"
	DefaultLedgerPath = "/var/lib/autotmpdir/ledger.db"
	EnvConfigPath     = "AUTOTMPDIR_CONFIG"
)

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "json",
		LocalPrefix:  "/tmp",
		EnvVar:       "TMPDIR",
		CleanupStep:  "extern",
		DevShmPrefix: "/dev/shm",
		Ledger: LedgerConfig{
			Path: DefaultLedgerPath,
		},
	}
}
