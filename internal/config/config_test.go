package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clubwarrior/clubwarrior/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Conflict.Policy != string(engine.PolicyNewest) {
		t.Errorf("policy = %q", cfg.Conflict.Policy)
	}
	if cfg.Daemon.Interval != 5*time.Minute || cfg.Daemon.Debounce != 2*time.Second {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
	if cfg.Shortcut.DevState != "In Development" || cfg.Shortcut.DoneState != "Completed" {
		t.Errorf("shortcut states = %+v", cfg.Shortcut)
	}
	if cfg.Priorities["High"] != "H" || cfg.Priorities["Medium"] != "M" || cfg.Priorities["Low"] != "L" {
		t.Errorf("priorities = %v", cfg.Priorities)
	}
	if cfg.Dashboard.Addr != "localhost:8337" {
		t.Errorf("dashboard addr = %q", cfg.Dashboard.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: /var/lib/cw
shortcut:
  token: sc-token
  owner: alice
  dev_state: Doing
conflict:
  policy: task
  interactive: true
daemon:
  interval: 90s
  log_file: daemon.log
priorities:
  Critical: H
  Minor: L
ignore_tags: [next, inbox]
parallelism: 4
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/cw" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Shortcut.Token != "sc-token" || cfg.Shortcut.Owner != "alice" {
		t.Errorf("shortcut = %+v", cfg.Shortcut)
	}
	if cfg.Shortcut.DevState != "Doing" {
		t.Errorf("dev state = %q", cfg.Shortcut.DevState)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Shortcut.DoneState != "Completed" {
		t.Errorf("done state = %q", cfg.Shortcut.DoneState)
	}
	if cfg.Conflict.Policy != "task" || !cfg.Conflict.Interactive {
		t.Errorf("conflict = %+v", cfg.Conflict)
	}
	if cfg.Daemon.Interval != 90*time.Second {
		t.Errorf("interval = %s", cfg.Daemon.Interval)
	}
	if cfg.Priorities["Critical"] != "H" || cfg.Priorities["Minor"] != "L" {
		t.Errorf("priorities = %v", cfg.Priorities)
	}
	if len(cfg.IgnoreTags) != 2 || cfg.Parallelism != 4 {
		t.Errorf("ignore_tags = %v, parallelism = %d", cfg.IgnoreTags, cfg.Parallelism)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := "shortcut:\n  owner: from-file\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CW_SHORTCUT_TOKEN", "env-token")
	t.Setenv("CW_SHORTCUT_OWNER", "from-env")
	t.Setenv("CW_CONFLICT_POLICY", "story")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shortcut.Token != "env-token" {
		t.Errorf("token = %q", cfg.Shortcut.Token)
	}
	if cfg.Shortcut.Owner != "from-env" {
		t.Errorf("owner = %q, env should win over file", cfg.Shortcut.Owner)
	}
	if cfg.Policy() != engine.PolicyStory {
		t.Errorf("policy = %q", cfg.Policy())
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("shortcut: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad policy", func(c *Config) { c.Conflict.Policy = "random" }, "conflict.policy"},
		{"bad priority", func(c *Config) { c.Priorities["High"] = "X" }, "priorities"},
		{"interval too small", func(c *Config) { c.Daemon.Interval = 100 * time.Millisecond }, "daemon.interval"},
		{"negative debounce", func(c *Config) { c.Daemon.Debounce = -time.Second }, "daemon.debounce"},
		{"negative parallelism", func(c *Config) { c.Parallelism = -1 }, "parallelism"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should have failed")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestDirHonorsEnv(t *testing.T) {
	t.Setenv("CW_DIR", "/opt/cw")
	if got := Dir(); got != "/opt/cw" {
		t.Errorf("Dir() = %q", got)
	}

	t.Setenv("CW_DIR", "")
	if got := Dir(); !strings.HasSuffix(got, DefaultDirName) {
		t.Errorf("Dir() = %q, want suffix %q", got, DefaultDirName)
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	if got := cfg.TaskDBPath(); got != filepath.Join("/data", "tasks.db") {
		t.Errorf("TaskDBPath = %q", got)
	}
	if got := cfg.MapDBPath(); got != filepath.Join("/data", "sync.db") {
		t.Errorf("MapDBPath = %q", got)
	}
	if got := cfg.LockPath(); got != filepath.Join("/data", "sync.lock") {
		t.Errorf("LockPath = %q", got)
	}
}

func TestRules(t *testing.T) {
	cfg := Default()
	cfg.IgnoreTags = []string{"inbox"}

	rules := cfg.Rules()
	if rules == nil {
		t.Fatal("Rules returned nil")
	}
	if !rules.IsIgnoredTag("inbox") {
		t.Error("ignore tag not applied")
	}
}
