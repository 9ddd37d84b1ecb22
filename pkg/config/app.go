package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleetsetup/pkg/actions"
	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/stores"
	"github.com/openfroyo/fleetsetup/pkg/telemetry"
)

// Environment variables that override the configuration file.
const (
	EnvDBPath      = "FLEETSETUP_DB_PATH"
	EnvParallelism = "FLEETSETUP_PARALLELISM"
	EnvRunnerMode  = "FLEETSETUP_RUNNER_MODE"
	EnvNATSURL     = "FLEETSETUP_NATS_URL"
)

// Runner modes.
const (
	RunnerModeLocal = "local"
	RunnerModeSSH   = "ssh"
)

// AppConfig is the fleetsetup configuration file.
type AppConfig struct {
	// DataDir holds the database, transcripts and the generated catalog.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database  DatabaseConfig    `yaml:"database"`
	Engine    EngineConfig      `yaml:"engine"`
	Runner    RunnerConfig      `yaml:"runner"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	Policy    PolicyConfig      `yaml:"policy"`
	Events    EventsConfig      `yaml:"events"`
	Worker    WorkerConfig      `yaml:"worker"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
}

// EngineConfig configures request execution.
type EngineConfig struct {
	Parallelism    int           `yaml:"parallelism" validate:"min=1,max=256"`
	RetryBase      time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryCap       time.Duration `yaml:"retry_cap" validate:"gtefield=RetryBase"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
}

// RunnerConfig selects and configures the action runner.
type RunnerConfig struct {
	Mode              string        `yaml:"mode" validate:"oneof=local ssh"`
	ScriptsDir        string        `yaml:"scripts_dir" validate:"required"`
	Interpreter       []string      `yaml:"interpreter"`
	TranscriptDir     string        `yaml:"transcript_dir"`
	KillGrace         time.Duration `yaml:"kill_grace" validate:"gte=0"`
	RemoteWorkDir     string        `yaml:"remote_work_dir"`
	RemoteInterpreter string        `yaml:"remote_interpreter"`
	SSHPort           int           `yaml:"ssh_port" validate:"min=1,max=65535"`
	KnownHostsPath    string        `yaml:"known_hosts_path"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// CatalogConfig locates the task catalog. An empty path uses the built-in one.
type CatalogConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// PolicyConfig configures approval policies.
type PolicyConfig struct {
	// Dir holds additional .rego policies.
	Dir string `yaml:"dir"`

	// Builtins enables the built-in approval policies.
	Builtins bool `yaml:"builtins"`

	// Disabled names policies that are loaded but not evaluated.
	Disabled []string `yaml:"disabled"`

	// Watch reloads Dir when its files change.
	Watch bool `yaml:"watch"`
}

// EventsConfig configures progress event fan-out. An empty URL disables it.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url" validate:"omitempty,url"`
	Subject string `yaml:"subject" validate:"required_with=NATSURL"`
}

// WorkerConfig configures the long-running worker.
type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *AppConfig {
	dataDir := "fleetsetup-data"
	retry := engine.DefaultRetryPolicy()
	runner := actions.DefaultConfig()

	return &AppConfig{
		DataDir: dataDir,
		Database: DatabaseConfig{
			Path:        filepath.Join(dataDir, "fleetsetup.db"),
			BusyTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			Parallelism:    10,
			RetryBase:      retry.Base,
			RetryCap:       retry.Cap,
			MaxAttempts:    retry.MaxAttempts,
			DefaultTimeout: 30 * time.Minute,
		},
		Runner: RunnerConfig{
			Mode:              RunnerModeLocal,
			ScriptsDir:        runner.ScriptsDir,
			Interpreter:       runner.Interpreter,
			TranscriptDir:     filepath.Join(dataDir, "transcripts"),
			KillGrace:         runner.KillGrace,
			RemoteWorkDir:     runner.RemoteWorkDir,
			RemoteInterpreter: runner.RemoteInterpreter,
			SSHPort:           runner.SSHPort,
			ConnectTimeout:    runner.ConnectTimeout,
		},
		Policy: PolicyConfig{
			Builtins: true,
		},
		Events: EventsConfig{
			Subject: "fleetsetup.progress",
		},
		Worker: WorkerConfig{
			PollInterval: 10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadDotEnv loads environment files if present. Variables already set in
// the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. An empty path loads the
// defaults only.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvParallelism); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvParallelism, err)
		}
		c.Engine.Parallelism = n
	}
	if v := os.Getenv(EnvRunnerMode); v != "" {
		c.Runner.Mode = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Events.NATSURL = v
	}
	return nil
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// StoreConfig returns the store settings.
func (c *AppConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		BusyTimeout:  c.Database.BusyTimeout,
		MaxOpenConns: c.Database.MaxOpenConns,
	}
}

// RetryPolicy returns the task retry policy.
func (c *AppConfig) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		Base:        c.Engine.RetryBase,
		Cap:         c.Engine.RetryCap,
		MaxAttempts: c.Engine.MaxAttempts,
	}
}

// ActionsConfig returns the action runner settings.
func (c *AppConfig) ActionsConfig() actions.Config {
	return actions.Config{
		ScriptsDir:        c.Runner.ScriptsDir,
		Interpreter:       c.Runner.Interpreter,
		TranscriptDir:     c.Runner.TranscriptDir,
		KillGrace:         c.Runner.KillGrace,
		RemoteWorkDir:     c.Runner.RemoteWorkDir,
		RemoteInterpreter: c.Runner.RemoteInterpreter,
		SSHPort:           c.Runner.SSHPort,
		KnownHostsPath:    c.Runner.KnownHostsPath,
		ConnectTimeout:    c.Runner.ConnectTimeout,
	}
}
