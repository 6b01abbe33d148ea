// Package config loads and validates procwatch's process-wide configuration
// record. The record is immutable after load: built once at startup and
// passed by value/reference into every scan pass, never mutated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Whitelist holds the four match classes applied to a ProcessRecord.
type Whitelist struct {
	Names    []string `yaml:"names"`
	Users    []string `yaml:"users"`
	Patterns []string `yaml:"patterns"`
	Hashes   []string `yaml:"hashes"`
	Paths    []string `yaml:"paths"`
}

// Config is the process-wide configuration record. Load once, never mutate.
type Config struct {
	MinScore float64            `yaml:"min_score"`
	CPUHigh  float64            `yaml:"cpu_high"`
	MLWeight float64            `yaml:"ml_weight"`
	TopK     int                `yaml:"topk"`
	Ports    []int              `yaml:"ports"`
	UseSklearn bool             `yaml:"use_sklearn"`
	Weights  map[string]float64 `yaml:"weights"`
	Whitelist Whitelist         `yaml:"whitelist"`

	// Ambient / bootstrap fields, not part of the scored-record invariants
	// but carried by every real deployment of this tool.
	ProcRoot string `yaml:"proc_root"`
	SysRoot  string `yaml:"sys_root"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// CLI-surface defaults: a cobra flag overrides these only when the
	// user actually sets it, so a config file's values survive unless
	// explicitly contradicted at the command line.
	Interval    time.Duration `yaml:"interval"`
	Duration    time.Duration `yaml:"duration"`
	DumpDir     string        `yaml:"dump_dir"`
	ModelPath   string        `yaml:"model_path"`
	KillOnAlert bool          `yaml:"kill_on_alert"`
	StopOnAlert bool          `yaml:"stop_on_alert"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		MinScore:   3.0,
		CPUHigh:    90.0,
		MLWeight:   2.0,
		TopK:       20,
		Ports:      []int{4444, 1337, 31337, 8080, 6667},
		UseSklearn: false,
		Weights:    DefaultWeights(),
		Whitelist:  Whitelist{},
		ProcRoot:   "/proc",
		SysRoot:    "/sys",
		LogLevel:   "info",
		Interval:   30 * time.Second,
		Duration:   10 * time.Minute,
	}
}

// DefaultWeights returns the built-in per-rule weight table.
// Names must match the rule names used by internal/heuristic.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"deleted_exe":         4,
		"memfd_exe":           4,
		"tmp_exe":             3,
		"world_writable_exe":  3,
		"wx_mem":              3,
		"empty_cmdline":       2,
		"short_cmdline":       1,
		"obfuscated_cmdline":  3,
		"code_exec_cmdline":   2,
		"name_argv_mismatch":  2,
		"unusual_parent":      3,
		"ld_preload":          3,
		"ptraced":             5,
		"high_cpu":            1,
		"no_tty":              3,
		"watched_port":        2,
		"many_conns":          2,
		"no_exe":              4,
	}
}

// knownKeys enumerates the top-level YAML keys procwatch understands.
// Anything else in the document is reported to the caller as unknown.
var knownKeys = map[string]bool{
	"min_score": true, "cpu_high": true, "ml_weight": true, "topk": true,
	"ports": true, "use_sklearn": true, "weights": true, "whitelist": true,
	"proc_root": true, "sys_root": true, "log_level": true, "quiet": true,
	"interval": true, "duration": true, "dump_dir": true, "model_path": true,
	"kill_on_alert": true, "stop_on_alert": true,
}

// SearchPaths returns the configuration file search order: the explicit
// path (if non-empty), then ~/.procwatch.yaml, then
// ~/.config/procwatch/config.yaml.
func SearchPaths(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(home, ".procwatch.yaml"))
		paths = append(paths, filepath.Join(home, ".config", "procwatch", "config.yaml"))
	}
	return paths
}

// Load resolves the configuration file search order and parses the first
// file found. If none exist, built-in defaults are returned. Unknown
// top-level keys produce warnings (returned to the caller, who logs them)
// rather than failing the load; a genuinely unreadable or malformed file
// that DOES exist is a fatal configuration error.
func Load(explicit string) (*Config, []string, error) {
	cfg := Default()

	for _, path := range SearchPaths(explicit) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
		}

		warnings := unknownKeyWarnings(data)
		fillDefaults(cfg)
		return cfg, warnings, nil
	}

	return cfg, nil, nil
}

// unknownKeyWarnings decodes the document a second time into a generic
// map to detect keys procwatch does not understand.
func unknownKeyWarnings(data []byte) []string {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var warnings []string
	for key := range raw {
		if !knownKeys[key] {
			warnings = append(warnings, fmt.Sprintf("unknown config key %q ignored", key))
		}
	}
	return warnings
}

// fillDefaults restores defaults for any field the parsed document left
// at its YAML zero value, so a partial config file never disables scoring.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.MinScore == 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.CPUHigh == 0 {
		cfg.CPUHigh = def.CPUHigh
	}
	if cfg.MLWeight == 0 {
		cfg.MLWeight = def.MLWeight
	}
	if cfg.TopK == 0 {
		cfg.TopK = def.TopK
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = def.Ports
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = def.Weights
	} else {
		for name, w := range def.Weights {
			if _, ok := cfg.Weights[name]; !ok {
				cfg.Weights[name] = w
			}
		}
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = def.ProcRoot
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = def.SysRoot
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Duration == 0 {
		cfg.Duration = def.Duration
	}
}

// WatchedPortSet returns the configured watched ports as a set for O(1) lookup.
func (c *Config) WatchedPortSet() map[int]bool {
	set := make(map[int]bool, len(c.Ports))
	for _, p := range c.Ports {
		set[p] = true
	}
	return set
}
