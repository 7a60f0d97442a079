// Package config loads the worker/scheduler daemon configuration (spec
// §9 Open Question territory is silent on this; SPEC_FULL.md's Ambient
// Stack "Configuration" section introduces it): a TOML file at
// /etc/mdpm/daemon.toml holding the vendor name, the on-disk path roots,
// the default alarm interval, and the worker's break-locks/
// only-apt-algorithms defaults. None of this is a spec-mandated
// persisted artifact (spec §3); it is daemon tuning, loaded once at
// process start.
//
// Grounded on github.com/BurntSushi/toml's DecodeFile, as used by the
// wider example pack's TOML-configured services, and on distri's
// Config-struct-plus-defaults shape (internal/pkgdb.Config,
// internal/cache.New's per-kind Config arguments).
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// DefaultPath is where the worker and scheduler daemons look for their
// configuration unless overridden by a flag.
const DefaultPath = "/etc/mdpm/daemon.toml"

// Config is the on-disk daemon configuration.
type Config struct {
	Vendor string `toml:"vendor"`

	Paths    Paths    `toml:"paths"`
	Worker   Worker   `toml:"worker"`
	Scheduler Scheduler `toml:"scheduler"`
}

// Paths names the on-disk roots every long-lived process derives its
// file layout from (spec §6 "Persisted file layouts").
type Paths struct {
	StateDir   string `toml:"state_dir"`   // e.g. /var/lib/<vendor>
	CacheDir   string `toml:"cache_dir"`   // e.g. /var/cache/<vendor>
	ConfDir    string `toml:"conf_dir"`    // e.g. /etc/<vendor>
	RunDir     string `toml:"run_dir"`     // e.g. /run/<vendor>, for the cache lock files
}

// Worker holds the worker's break-locks/use-apt-algorithms defaults,
// overridable per-invocation by the <options> alphabet (spec §6).
type Worker struct {
	BreakLocks         bool `toml:"break_locks"`
	IgnoreWrongDomains bool `toml:"ignore_wrong_domains"`
	UseAptAlgorithms   bool `toml:"use_apt_algorithms"`
	SimulatedRoot      bool `toml:"simulated_root"`
}

// Scheduler holds the update-check alarm's default interval (spec §4.9
// "Alarm policy").
type Scheduler struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// Interval returns the configured scheduler interval, or
// scheduler.DefaultInterval's value (24h) when unset, without this
// package importing internal/scheduler.
func (s Scheduler) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Load reads and parses the TOML config at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, xerrors.Errorf("loading daemon config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the baseline configuration used when no config file is
// present, matching a single-vendor default install.
func Default(vendor string) *Config {
	return &Config{
		Vendor: vendor,
		Paths: Paths{
			StateDir: "/var/lib/" + vendor,
			CacheDir: "/var/cache/" + vendor,
			ConfDir:  "/etc/" + vendor,
			RunDir:   "/run/" + vendor,
		},
	}
}
