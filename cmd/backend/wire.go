package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/browser"
	"github.com/hairizuanbinnoorazman/ui-verdict/coordinator"
	"github.com/hairizuanbinnoorazman/ui-verdict/database"
	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
	"github.com/hairizuanbinnoorazman/ui-verdict/interpreter"
	"github.com/hairizuanbinnoorazman/ui-verdict/llm"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/hairizuanbinnoorazman/ui-verdict/secret"
	"github.com/hairizuanbinnoorazman/ui-verdict/storage"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/hairizuanbinnoorazman/ui-verdict/verdict"
)

// engine holds the components shared by serve and execute.
type engine struct {
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	artifacts  *artifact.Store
	authStates *authstate.Manager
	launcher   browser.Launcher
	interp     interpreter.Options
	agent      executor.AgentConfig
	blob       storage.BlobStorage
	publisher  *artifact.Publisher
	secrets    *secret.Box
}

func databaseConfig(cfg *Config) database.Config {
	return database.Config{
		Driver:       cfg.Database.Driver,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SQLitePath:   cfg.Database.SQLitePath,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		LogLevel:     cfg.Log.Level,
	}
}

// openDatabase connects and, when configured, applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *Config, log logger.Logger) (*gorm.DB, *sql.DB, error) {
	db, err := database.Connect(databaseConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	log.Info(ctx, "database connected", map[string]interface{}{
		"driver":   cfg.Database.Driver,
		"host":     cfg.Database.Host,
		"database": cfg.Database.Database,
	})

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(sqlDB, cfg.Database.Driver, ""); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "migrations applied", nil)
	}

	return db, sqlDB, nil
}

func newEngine(cfg *Config, log logger.Logger) (*engine, error) {
	e := &engine{registry: prometheus.NewRegistry()}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	var err error
	e.artifacts, err = artifact.NewStore(cfg.Artifacts.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	e.authStates, err = authstate.NewManager(cfg.AuthState.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth state directory: %w", err)
	}

	e.launcher, err = browser.NewLauncher(cfg.Executor.BrowserDriver, log)
	if err != nil {
		return nil, err
	}

	settle := cfg.Executor.SettleDelay
	if settle == 0 {
		settle = -1
	}
	e.interp = interpreter.Options{SettleDelay: settle}

	e.agent = executor.AgentConfig{
		Command: cfg.Executor.AgentCommand,
		Dir:     cfg.Executor.AgentWorkdir,
		Timeout: cfg.Executor.AgentTimeout,
	}

	if cfg.Artifacts.Publish {
		e.blob, err = storage.NewBlobStorage(storage.Config{
			Type:    cfg.Storage.Type,
			BaseDir: cfg.Storage.BaseDir,
			Bucket:  cfg.Storage.S3Bucket,
			Region:  cfg.Storage.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		e.publisher = artifact.NewPublisher(e.blob, log)
	}

	if cfg.Secret.Passphrase != "" {
		e.secrets, err = secret.NewBox(cfg.Secret.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *engine) executorFactory(cfg *Config, log logger.Logger) coordinator.ExecutorFactory {
	deps := executor.Deps{
		Artifacts:   e.artifacts,
		AuthStates:  e.authStates,
		Launcher:    e.launcher,
		Interpreter: e.interp,
		Headless:    cfg.Executor.Headless,
		Agent:       e.agent,
		Metrics:     e.metrics,
		Logger:      log,
	}
	return func(kind script.BackendKind) (executor.Executor, error) {
		return executor.New(kind, deps)
	}
}

func (e *engine) clientFactory() coordinator.ClientFactory {
	return func(ctx context.Context, cfg llm.Config) (llm.Client, error) {
		return llm.NewClient(ctx, cfg, e.metrics)
	}
}

func verdictOptions(cfg *Config) verdict.Options {
	return verdict.Options{
		Mode:        verdict.Mode(cfg.Verdict.Mode),
		Concurrency: cfg.Verdict.Concurrency,
	}
}

func (e *engine) newCoordinator(cfg *Config, db *gorm.DB, log logger.Logger) (*coordinator.Coordinator, error) {
	return coordinator.New(coordinator.Config{
		MaxConcurrentRuns: cfg.Coordinator.MaxConcurrentRuns,
		ResultCacheSize:   cfg.Coordinator.ResultCacheSize,
		DefaultBackend:    script.BackendKind(cfg.Executor.DefaultBackend),
		Verdict:           verdictOptions(cfg),
	}, coordinator.Deps{
		Runs:      testrun.NewMySQLStore(db, log),
		Steps:     testrun.NewMySQLStepStore(db, log),
		Assets:    testrun.NewMySQLAssetStore(db, log),
		Artifacts: e.artifacts,
		Executors: e.executorFactory(cfg, log),
		Clients:   e.clientFactory(),
		Secrets:   e.secrets,
		Publisher: e.publisher,
		Metrics:   e.metrics,
		Logger:    log,
	})
}
