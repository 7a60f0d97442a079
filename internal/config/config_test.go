package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.toml")
	contents := `
vendor = "acme"

[paths]
state_dir = "/var/lib/acme"
cache_dir = "/var/cache/acme"
conf_dir = "/etc/acme"
run_dir = "/run/acme"

[worker]
break_locks = true

[scheduler]
interval_seconds = 3600
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Vendor != "acme" {
		t.Errorf("Vendor = %q, want acme", cfg.Vendor)
	}
	if !cfg.Worker.BreakLocks {
		t.Errorf("Worker.BreakLocks = false, want true")
	}
	if got, want := cfg.Scheduler.Interval(), time.Hour; got != want {
		t.Errorf("Scheduler.Interval() = %v, want %v", got, want)
	}
}

func TestSchedulerIntervalDefault(t *testing.T) {
	var s Scheduler
	if got, want := s.Interval(), 24*time.Hour; got != want {
		t.Errorf("Interval() with zero config = %v, want %v", got, want)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("acme")
	if cfg.Paths.StateDir != "/var/lib/acme" {
		t.Errorf("Paths.StateDir = %q, want /var/lib/acme", cfg.Paths.StateDir)
	}
}
