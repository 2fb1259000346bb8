package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("local_prefix: /tmp\n"), 0600); err != nil {
		t.Fatal(err)
	}

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() error = %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("len(hash) = %d, want 64", len(hash))
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("local_prefix: /scratch\n"), 0600); err != nil {
		t.Fatal(err)
	}
	err = VerifyFileHash(path, hash)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("VerifyFileHash() error = %v, want mismatch", err)
	}
}

func TestComputeBlake3HashMissingFile(t *testing.T) {
	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
