package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	retry := cfg.RetryPolicy()
	if retry.Base != time.Second || retry.Cap != 30*time.Second || retry.MaxAttempts != 3 {
		t.Errorf("retry policy = %+v", retry)
	}
	if cfg.Runner.Mode != RunnerModeLocal {
		t.Errorf("runner mode = %s", cfg.Runner.Mode)
	}
	if cfg.StoreConfig().Path != filepath.Join("fleetsetup-data", "fleetsetup.db") {
		t.Errorf("store path = %s", cfg.StoreConfig().Path)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetsetup.yaml")
	writeFile(t, path, `
data_dir: /var/lib/fleetsetup
database:
  path: /var/lib/fleetsetup/setup.db
engine:
  parallelism: 4
  retry_base: 2s
  retry_cap: 1m
runner:
  mode: ssh
  scripts_dir: /opt/fleetsetup/actions
  ssh_port: 2222
  known_hosts_path: /etc/fleetsetup/known_hosts
events:
  nats_url: nats://nats.internal:4222
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Engine.Parallelism != 4 || cfg.Engine.RetryBase != 2*time.Second || cfg.Engine.RetryCap != time.Minute {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.DefaultTimeout != 30*time.Minute {
		t.Errorf("engine defaults lost: %+v", cfg.Engine)
	}
	if cfg.Events.Subject != "fleetsetup.progress" {
		t.Errorf("subject = %s", cfg.Events.Subject)
	}

	ac := cfg.ActionsConfig()
	if ac.ScriptsDir != "/opt/fleetsetup/actions" || ac.SSHPort != 2222 || ac.KnownHostsPath != "/etc/fleetsetup/known_hosts" {
		t.Errorf("actions config = %+v", ac)
	}
	if len(ac.Interpreter) == 0 {
		t.Error("default interpreter lost")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvParallelism, "25")
	t.Setenv(EnvRunnerMode, "ssh")
	t.Setenv(EnvNATSURL, "nats://localhost:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("db path = %s", cfg.Database.Path)
	}
	if cfg.Engine.Parallelism != 25 {
		t.Errorf("parallelism = %d", cfg.Engine.Parallelism)
	}
	if cfg.Runner.Mode != RunnerModeSSH {
		t.Errorf("runner mode = %s", cfg.Runner.Mode)
	}
	if cfg.Events.NATSURL != "nats://localhost:4222" {
		t.Errorf("nats url = %s", cfg.Events.NATSURL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "zero parallelism", yaml: "engine:\n  parallelism: 0\n"},
		{name: "unknown runner mode", yaml: "runner:\n  mode: winrm\n"},
		{name: "cap below base", yaml: "engine:\n  retry_base: 10s\n  retry_cap: 5s\n"},
		{name: "nats without subject", yaml: "events:\n  nats_url: nats://localhost:4222\n  subject: \"\"\n"},
		{name: "bad duration", yaml: "engine:\n  default_timeout: soon\n"},
		{name: "bad log level", yaml: "telemetry:\n  service_name: fleetsetup\n  service_version: dev\n  logging:\n    level: loud\n    format: console\n"},
		{name: "bad env parallelism", env: map[string]string{EnvParallelism: "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = filepath.Join(t.TempDir(), "fleetsetup.yaml")
				writeFile(t, path, tt.yaml)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "fleetsetup.yaml")

	cfg := DefaultConfig()
	cfg.Engine.Parallelism = 7
	cfg.Catalog.Path = "/etc/fleetsetup/catalog.cue"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Engine.Parallelism != 7 || loaded.Catalog.Path != cfg.Catalog.Path || loaded.Engine.DefaultTimeout != cfg.Engine.DefaultTimeout {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoadDotEnv(t *testing.T) {
	// Register cleanup for the variable, then start with it unset.
	t.Setenv(EnvRunnerMode, "")
	os.Unsetenv(EnvRunnerMode)

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, EnvRunnerMode+"=ssh\n")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv(EnvRunnerMode); got != "ssh" {
		t.Errorf("%s = %q", EnvRunnerMode, got)
	}
}
