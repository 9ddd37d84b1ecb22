package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleetsetup/pkg/actions"
	"github.com/openfroyo/fleetsetup/pkg/config"
	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/notify"
	"github.com/openfroyo/fleetsetup/pkg/policy"
	"github.com/openfroyo/fleetsetup/pkg/stores"
	"github.com/openfroyo/fleetsetup/pkg/telemetry"
)

const defaultConfigFile = "fleetsetup.yaml"

// app is the wired engine shared by the commands.
type app struct {
	cfg         *config.AppConfig
	store       *stores.SQLiteStore
	catalog     *config.CatalogWatcher
	policies    *policy.Engine
	telemetry   *telemetry.Telemetry
	publisher   *notify.Publisher
	coordinator *engine.Coordinator
	logger      zerolog.Logger
}

// loadConfig reads --config, or ./fleetsetup.yaml when it exists, or the
// defaults.
func loadConfig() (*config.AppConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", defaultConfigFile, err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// lowerGlobalLevel lets a configured level below the process-wide floor
// through. zerolog drops events under the global level before a logger's
// own level is checked.
func lowerGlobalLevel(level zerolog.Level) {
	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg *config.AppConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newRunner builds the action runner selected by the configuration.
func newRunner(cfg *config.AppConfig, logger zerolog.Logger) engine.ActionRunner {
	if cfg.Runner.Mode == config.RunnerModeSSH {
		return actions.NewSSHRunner(cfg.ActionsConfig(), logger)
	}
	return actions.NewScriptRunner(cfg.ActionsConfig(), logger)
}

// loadPolicies builds the approval policy engine.
func loadPolicies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger, cfg.Policy.Builtins)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		custom, err := policy.NewLoader(logger).LoadDir(ctx, cfg.Policy.Dir)
		if err != nil {
			return nil, err
		}
		if err := eng.LoadPolicies(ctx, custom); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return eng, nil
}

// appOptions adjust the app for one command.
type appOptions struct {
	// parallelism overrides engine.parallelism when positive.
	parallelism int

	// sinks receive progress events in addition to NATS.
	sinks []engine.EventSink
}

// openApp wires the store, catalog, policies, runner and event sinks into a
// coordinator.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.parallelism > 0 {
		cfg.Engine.Parallelism = opts.parallelism
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	lowerGlobalLevel(tel.Logger.Level())

	a := &app{cfg: cfg, telemetry: tel, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if a.catalog, err = config.NewCatalogWatcher(config.NewCatalogLoader(), cfg.Catalog.Path, logger); err != nil {
		return nil, err
	}
	if a.policies, err = loadPolicies(ctx, cfg, logger); err != nil {
		return nil, err
	}

	sinks := append([]engine.EventSink{}, opts.sinks...)
	if cfg.Events.NATSURL != "" {
		// Fan-out is best-effort; the store stays authoritative.
		pub, err := notify.NewPublisher(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Progress events will not be published")
		} else {
			a.publisher = pub
			sinks = append(sinks, pub)
		}
	}

	a.coordinator, err = engine.NewCoordinator(engine.CoordinatorConfig{
		Repository:     a.store,
		Runner:         newRunner(cfg, logger),
		Catalog:        a.catalog,
		Policy:         a.policies,
		Parallelism:    cfg.Engine.Parallelism,
		Retry:          cfg.RetryPolicy(),
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		Sinks:          sinks,
		Logger:         logger,
		Metrics:        tel.Metrics,
		Tracer:         tel.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	ok = true
	return a, nil
}

// Close releases the app's connections.
func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
