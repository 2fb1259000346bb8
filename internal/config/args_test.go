package config

import "testing"

func TestApplyArgs(t *testing.T) {
	cfg := Defaults()
	err := cfg.ApplyArgs([]string{
		"local_prefix=/scratch",
		"shared_prefix=/gpfs/tmp",
		"tmpdir=/tmp",
		"mount=/tmp",
		"mount=/var/tmp",
		"mount=/tmp/",
		"dev_shm",
		"no_rm_shared_only",
		"cleanup_step=batch",
	})
	if err != nil {
		t.Fatalf("ApplyArgs() error = %v", err)
	}
	if cfg.LocalPrefix != "/scratch" || cfg.SharedPrefix != "/gpfs/tmp" || cfg.ExportPath != "/tmp" {
		t.Errorf("prefixes not applied: %+v", cfg)
	}
	if len(cfg.Mounts) != 2 {
		t.Errorf("mounts = %v, want repeated mount ignored", cfg.Mounts)
	}
	if !cfg.MapDevShm || !cfg.NoRmSharedOnly || cfg.CleanupStep != "batch" {
		t.Errorf("flags not applied: %+v", cfg)
	}

	if err := cfg.ApplyArgs([]string{"no_dev_shm"}); err != nil {
		t.Fatal(err)
	}
	if cfg.MapDevShm {
		t.Error("no_dev_shm should disable the /dev/shm mapping")
	}
}

func TestApplyArgsRejects(t *testing.T) {
	for _, arg := range []string{"local_prefix=relative", "mount=relative", "bogus", "no_dev_shm=1", "shared_prefix=tmp"} {
		cfg := Defaults()
		if err := cfg.ApplyArgs([]string{arg}); err == nil {
			t.Errorf("ApplyArgs(%q) succeeded, want error", arg)
		}
	}
}
