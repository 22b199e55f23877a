// Package config loads the daemon configuration: allowed filesystem roots,
// the command tier, pairing and lockout tunables, and the audit store
// location. The main file is TOML; an optional YAML rule pack can add deny
// rules and allowed roots on top of the built-in policy but can never remove
// built-in rules.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all relayguard configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Paths    PathsConfig    `toml:"paths"`
	Commands CommandsConfig `toml:"commands"`
	Pairing  PairingConfig  `toml:"pairing"`
	Audit    AuditConfig    `toml:"audit"`
}

type ServerConfig struct {
	Listen   string `toml:"listen"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
}

type PathsConfig struct {
	// AllowedRoots is the static set of roots user data may live under.
	// The entries "home" and "temp" expand to the current user's home and
	// temp directories at load time.
	AllowedRoots []string `toml:"allowed_roots"`
	RulePack     string   `toml:"rule_pack"` // optional YAML overlay path
}

type CommandsConfig struct {
	// Tier is "basic" or "support".
	Tier string `toml:"tier"`
}

type PairingConfig struct {
	CodeTTLMinutes     int    `toml:"code_ttl_minutes"`
	MaxSessionHours    int    `toml:"max_session_hours"`
	MaxAttempts        int    `toml:"max_attempts"`
	LockoutMinutes     int    `toml:"lockout_minutes"`
	SweepIntervalSecs  int    `toml:"sweep_interval_seconds"`
	ActivityCap        int    `toml:"activity_cap"`
	EndGraceMinutes    int    `toml:"end_grace_minutes"`
	ChannelTokenSecret string `toml:"channel_token_secret"`
}

type AuditConfig struct {
	DBPath            string `toml:"db_path"`
	RetentionDays     int    `toml:"retention_days"`
	RetentionSchedule string `toml:"retention_schedule"` // cron expression
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:   "127.0.0.1:8790",
			LogLevel: "info",
		},
		Paths: PathsConfig{
			AllowedRoots: []string{"home", "temp"},
		},
		Commands: CommandsConfig{
			Tier: "basic",
		},
		Pairing: PairingConfig{
			CodeTTLMinutes:    30,
			MaxSessionHours:   4,
			MaxAttempts:       5,
			LockoutMinutes:    15,
			SweepIntervalSecs: 60,
			ActivityCap:       100,
			EndGraceMinutes:   2,
		},
		Audit: AuditConfig{
			DBPath:            "audit.db",
			RetentionDays:     30,
			RetentionSchedule: "0 3 * * *",
		},
	}
}

// Load reads a TOML config file, applying defaults for anything unset. A
// missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Commands.Tier {
	case "basic", "support":
	default:
		return fmt.Errorf("config: unknown command tier %q", c.Commands.Tier)
	}
	if c.Pairing.MaxSessionHours*60 < c.Pairing.CodeTTLMinutes {
		return fmt.Errorf("config: max session lifetime shorter than code TTL")
	}
	return nil
}

// ExpandedRoots resolves the "home" and "temp" placeholders and returns the
// absolute allowed roots.
func (c *Config) ExpandedRoots() ([]string, error) {
	var roots []string
	for _, r := range c.Paths.AllowedRoots {
		switch r {
		case "home":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("config: resolve home directory: %w", err)
			}
			roots = append(roots, home)
		case "temp":
			roots = append(roots, os.TempDir())
		default:
			abs, err := filepath.Abs(r)
			if err != nil {
				return nil, fmt.Errorf("config: resolve root %q: %w", r, err)
			}
			roots = append(roots, abs)
		}
	}
	return roots, nil
}

// CodeTTL returns the pairing code TTL as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.Pairing.CodeTTLMinutes) * time.Minute
}

// MaxSessionLifetime returns the absolute session cap as a duration.
func (c *Config) MaxSessionLifetime() time.Duration {
	return time.Duration(c.Pairing.MaxSessionHours) * time.Hour
}

// LockoutDuration returns the lockout window as a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Pairing.LockoutMinutes) * time.Minute
}

// SweepInterval returns the cleanup sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Pairing.SweepIntervalSecs) * time.Second
}

// EndGrace returns the post-end retention window as a duration.
func (c *Config) EndGrace() time.Duration {
	return time.Duration(c.Pairing.EndGraceMinutes) * time.Minute
}

// AuditRetention returns the audit retention period as a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}
