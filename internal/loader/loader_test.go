package loader

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
forward:
  destinations:
    - url: https://downstream.example/feed
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Repo.Dir != "repo" {
		t.Errorf("repo.dir = %q, want default", cfg.Repo.Dir)
	}
	if cfg.Aggregator.MaxItems != 1000 {
		t.Errorf("aggregator.max_items = %d, want default 1000", cfg.Aggregator.MaxItems)
	}
	if !cfg.Forward.IsAggregating() {
		t.Error("aggregating should default to true")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
repo:
  dir: /var/relay/repo
  format: ${feed}/${year}-${month}/${id}
  lock_delete_age: 30m
aggregator:
  max_items: 50
  max_bytes: 1048576
  max_age: 5m
forward:
  aggregating: false
  destinations:
    - url: https://downstream.example/feed
      timeout: 5s
    - url: file:///var/relay/out
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Repo.LockDeleteAge != 30*time.Minute {
		t.Errorf("lock_delete_age = %v, want 30m", cfg.Repo.LockDeleteAge)
	}
	if cfg.Aggregator.MaxItems != 50 {
		t.Errorf("max_items = %d, want 50", cfg.Aggregator.MaxItems)
	}
	if cfg.Forward.IsAggregating() {
		t.Error("aggregating = true, want false")
	}

	pc, dests := Build(cfg)
	if pc.Forward.Aggregating || pc.Cleanup.Aggregating {
		t.Error("Build did not propagate forward mode")
	}
	if len(dests) != 2 {
		t.Fatalf("destinations = %d, want 2", len(dests))
	}
	if got := dests[1].URL(); got != "file:///var/relay/out" {
		t.Errorf("file destination url = %q", got)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RELAY_TEST_DIR", "/data/relay")
	path := writeConfig(t, `
repo:
  dir: ${RELAY_TEST_DIR}/repo
forward:
  destinations:
    - url: https://downstream.example/feed
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Repo.Dir != "/data/relay/repo" {
		t.Errorf("repo.dir = %q, want env-expanded", cfg.Repo.Dir)
	}
}

func TestLoadKeepsTemplatePlaceholders(t *testing.T) {
	t.Setenv("RELAY_TEST_DIR", "/data/relay")
	path := writeConfig(t, `
repo:
  dir: ${RELAY_TEST_DIR}/repo
  format: ${feed}/${year}/${id}
forward:
  destinations:
    - url: https://downstream.example/feed
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Repo.Dir != "/data/relay/repo" {
		t.Errorf("repo.dir = %q, want env-expanded", cfg.Repo.Dir)
	}
	// Unset names stay literal; only real env vars are substituted.
	if cfg.Repo.Format != "${feed}/${year}/${id}" {
		t.Errorf("repo.format = %q, want template placeholders intact", cfg.Repo.Format)
	}
}

func TestLoadMissingFileIsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	// Callers fall back to defaults on a missing file, so the wrapped
	// error must still satisfy fs.ErrNotExist.
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load err = %v, want fs.ErrNotExist", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Repo.Dir = ""
	cfg.Repo.Format = "no-id-placeholder"
	cfg.Aggregator.MaxItems = 0
	cfg.Logging.Level = "loud"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate passed an invalid config")
	}
	msg := err.Error()
	for _, want := range []string{"repo.dir", "repo.format", "aggregator.max_items", "forward.destinations", "logging.level"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %s: %s", want, msg)
		}
	}
}

func TestValidateDestinationScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forward.Destinations = []DestinationConfig{{URL: "ftp://nope"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("ftp destination accepted")
	}
	cfg.Forward.Destinations = []DestinationConfig{{URL: "file:///tmp/out"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("file destination rejected: %v", err)
	}
}
