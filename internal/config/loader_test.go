package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vocalis/internal/config"
)

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vocalis.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Calibration.UserID != "alice" {
		t.Errorf("user_id = %q, want alice", cfg.Calibration.UserID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist in chain", err)
	}
}

func TestLoad_InvalidNamesPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "session:\n  default_mode: sprint\n")

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), path) || !strings.Contains(err.Error(), "session.default_mode") {
		t.Errorf("error should name the file and the field, got: %v", err)
	}
}

func TestValidate_UnknownStoreOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
calibration:
  stores:
    - name: redis
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unknown store names should not fail validation: %v", err)
	}
	if cfg.Calibration.Stores[0].Name != "redis" {
		t.Errorf("stores = %+v", cfg.Calibration.Stores)
	}
}
