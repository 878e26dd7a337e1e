package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sandbox.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want 10", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.BaseDir != "/tmp/sandbox" {
		t.Errorf("BaseDir = %q", cfg.Sandbox.BaseDir)
	}
	if cfg.Jail.RootfsPath != "/opt/sandbox-rootfs" {
		t.Errorf("RootfsPath = %q", cfg.Jail.RootfsPath)
	}
	if cfg.Jail.WaitSlack.Duration != 2*time.Second {
		t.Errorf("WaitSlack = %s, want 2s", cfg.Jail.WaitSlack)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[sandbox]
base_dir = "/var/lib/sandbox"
max_concurrent = 4

[jail]
binary = "/usr/local/bin/nsjail"
rootfs_path = "/srv/rootfs"
wait_slack = "3s"

[log]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Sandbox.BaseDir != "/var/lib/sandbox" {
		t.Errorf("BaseDir = %q", cfg.Sandbox.BaseDir)
	}
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Jail.Binary != "/usr/local/bin/nsjail" {
		t.Errorf("Binary = %q", cfg.Jail.Binary)
	}
	if cfg.Jail.WaitSlack.Duration != 3*time.Second {
		t.Errorf("WaitSlack = %s, want 3s", cfg.Jail.WaitSlack)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log config = %+v", cfg.Log)
	}

	// Unset sections keep their defaults.
	if cfg.Jail.Shell != "/bin/bash" {
		t.Errorf("Shell = %q, want default", cfg.Jail.Shell)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults, got %v", err)
	}
	if cfg.Sandbox.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want default", cfg.Sandbox.MaxConcurrent)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SANDBOX_ROOTFS", "/custom/rootfs")
	t.Setenv("SANDBOX_MAX_CONCURRENT", "25")
	t.Setenv("SANDBOX_LOG_LEVEL", "warn")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Jail.RootfsPath != "/custom/rootfs" {
		t.Errorf("RootfsPath = %q, want env override", cfg.Jail.RootfsPath)
	}
	if cfg.Sandbox.MaxConcurrent != 25 {
		t.Errorf("MaxConcurrent = %d, want 25", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Log.Level)
	}
}

func TestValidate_Failures(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }},
		{"empty base dir", func(c *Config) { c.Sandbox.BaseDir = "" }},
		{"empty jail binary", func(c *Config) { c.Jail.Binary = "" }},
		{"relative mount point", func(c *Config) { c.Jail.MountPoint = "app" }},
		{"invalid uid", func(c *Config) { c.Jail.UID = -1 }},
		{"zero wait slack", func(c *Config) { c.Jail.WaitSlack = Duration{} }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %s, want 1m30s", d)
	}

	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("UnmarshalText accepted garbage")
	}
}
