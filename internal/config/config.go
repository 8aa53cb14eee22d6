// Package config loads clubwarrior configuration from ~/.clubwarrior
// (or a directory given explicitly), merging config.yaml with CW_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clubwarrior/clubwarrior/internal/engine"
	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// DefaultDirName is the per-user configuration directory under $HOME.
const DefaultDirName = ".clubwarrior"

// Config is the full clubwarrior configuration.
type Config struct {
	// DataDir holds the task database, mapping database, lock file,
	// and logs. Defaults to the config directory itself.
	DataDir string `mapstructure:"data_dir"`

	Shortcut  ShortcutConfig  `mapstructure:"shortcut"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// Priorities maps story labels to task priorities (H, M, or L).
	Priorities map[string]string `mapstructure:"priorities"`

	// IgnoreTags are task tags that never propagate to story labels.
	IgnoreTags []string `mapstructure:"ignore_tags"`

	// Parallelism bounds concurrent per-item processing. Zero means the
	// engine default.
	Parallelism int `mapstructure:"parallelism"`
}

// ShortcutConfig configures the remote story source.
type ShortcutConfig struct {
	Token    string `mapstructure:"token"`
	Owner    string `mapstructure:"owner"`
	Endpoint string `mapstructure:"endpoint"`

	DevState      string   `mapstructure:"dev_state"`
	DoneState     string   `mapstructure:"done_state"`
	PostDevStates []string `mapstructure:"postdev_states"`
}

// ConflictConfig configures conflict resolution.
type ConflictConfig struct {
	// Policy is one of newest, story, or task.
	Policy string `mapstructure:"policy"`

	// Interactive prompts before applying losing-side overwrites when
	// running on a terminal.
	Interactive bool `mapstructure:"interactive"`
}

// DaemonConfig configures the background sync daemon.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`

	// LogFile enables rotating file logging when set.
	LogFile string `mapstructure:"log_file"`
}

// DashboardConfig configures the live websocket dashboard.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration defaults applied before any file or
// environment override.
func Default() *Config {
	return &Config{
		Shortcut: ShortcutConfig{
			DevState:      "In Development",
			DoneState:     "Completed",
			PostDevStates: []string{"Ready for Review", "Ready for Deploy"},
		},
		Conflict: ConflictConfig{Policy: string(engine.PolicyNewest)},
		Daemon: DaemonConfig{
			Interval: 5 * time.Minute,
			Debounce: 2 * time.Second,
		},
		Dashboard: DashboardConfig{Addr: "localhost:8337"},
		Priorities: map[string]string{
			"High":   "H",
			"Medium": "M",
			"Low":    "L",
		},
	}
}

// Dir returns the configuration directory, honoring CW_DIR.
func Dir() string {
	if dir := os.Getenv("CW_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Load reads config.yaml from dir (if present) over the defaults, then
// applies CW_* environment overrides, and validates the result.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, "config.yaml")
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind explicitly so env vars apply even for keys absent from the file.
	for _, key := range []string{
		"data_dir", "parallelism",
		"shortcut.token", "shortcut.owner", "shortcut.endpoint",
		"shortcut.dev_state", "shortcut.done_state",
		"conflict.policy", "conflict.interactive",
		"daemon.interval", "daemon.debounce", "daemon.log_file",
		"dashboard.addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency. The shortcut token and
// owner are checked at client construction, not here, so read-only
// commands work without credentials.
func (c *Config) Validate() error {
	if !engine.ValidPolicies[engine.Policy(c.Conflict.Policy)] {
		return fmt.Errorf("conflict.policy %q: must be one of %s",
			c.Conflict.Policy, strings.Join(policyNames(), ", "))
	}
	for label, pri := range c.Priorities {
		switch pri {
		case "H", "M", "L":
		default:
			return fmt.Errorf("priorities[%q] = %q: must be H, M, or L", label, pri)
		}
	}
	if c.Daemon.Interval < time.Second {
		return fmt.Errorf("daemon.interval %s: must be at least 1s", c.Daemon.Interval)
	}
	if c.Daemon.Debounce < 0 {
		return fmt.Errorf("daemon.debounce must not be negative")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	return nil
}

// Policy returns the configured conflict policy.
func (c *Config) Policy() engine.Policy {
	return engine.Policy(c.Conflict.Policy)
}

// Rules builds the transformation rules from the configured priority
// labels and ignore tags.
func (c *Config) Rules() *schema.Rules {
	return schema.NewRules(c.Priorities, c.IgnoreTags)
}

// TaskDBPath returns the path of the local task database.
func (c *Config) TaskDBPath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}

// MapDBPath returns the path of the mapping database.
func (c *Config) MapDBPath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// LockPath returns the path of the sync cycle lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "sync.lock")
}

func policyNames() []string {
	names := make([]string, 0, len(engine.ValidPolicies))
	for p := range engine.ValidPolicies {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
