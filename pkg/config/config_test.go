package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

// withRepoRoot chdirs to the module root, where cmd/splinterd/config lives,
// for the duration of the test. Load resolves its config paths relative to
// the process working directory the way splinterd itself does when started
// from the repo root.
func withRepoRoot(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
	viper.Reset()
}

func TestLoadDefaultsFromYAML(t *testing.T) {
	withRepoRoot(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "embedded" {
		t.Fatalf("expected embedded backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Consensus.CoordinatorTimeoutSeconds != 30 {
		t.Fatalf("expected default coordinator timeout 30, got %d", cfg.Consensus.CoordinatorTimeoutSeconds)
	}
	if cfg.Peers.ReconnectMaxAttempts != 10 {
		t.Fatalf("expected default reconnect max attempts 10, got %d", cfg.Peers.ReconnectMaxAttempts)
	}
}

func TestLoadEnvOverridesConfigValue(t *testing.T) {
	withRepoRoot(t)

	os.Setenv("SPLINTER_STORAGE_BACKEND", "sql")
	t.Cleanup(func() { os.Unsetenv("SPLINTER_STORAGE_BACKEND") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sql" {
		t.Fatalf("expected env override to set backend to sql, got %q", cfg.Storage.Backend)
	}
}

func TestLoadFromEnvUsesSplinterEnvVariable(t *testing.T) {
	withRepoRoot(t)
	os.Unsetenv("SPLINTER_ENV")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level info, got %q", cfg.Logging.Level)
	}
}
