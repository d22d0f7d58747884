package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Storage     StorageConfig
	Log         LogConfig
	Artifacts   ArtifactsConfig
	AuthState   AuthStateConfig
	Executor    ExecutorConfig
	Verdict     VerdictConfig
	Coordinator CoordinatorConfig
	Secret      SecretConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// APIToken protects /api/v1 when set.
	APIToken string
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver       string // "mysql" or "sqlite"
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// StorageConfig holds blob storage configuration for published artifacts.
type StorageConfig struct {
	Type     string // "local" or "s3"
	BaseDir  string
	S3Bucket string
	S3Region string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// ArtifactsConfig holds run artifact configuration.
type ArtifactsConfig struct {
	BasePath string
	// Publish mirrors finished runs into blob storage.
	Publish bool
}

// AuthStateConfig holds auth state configuration.
type AuthStateConfig struct {
	Dir                string
	CaptureEnabled     bool
	CaptureHeadless    bool
	CaptureIdleTimeout time.Duration
	CaptureSecret      string
}

// ExecutorConfig holds executor configuration.
type ExecutorConfig struct {
	BrowserDriver  string // "playwright" or "chromedp"
	Headless       bool
	SettleDelay    time.Duration
	DefaultBackend string
	AgentCommand   []string
	AgentWorkdir   string
	AgentTimeout   time.Duration
}

// VerdictConfig holds verdict pipeline configuration.
type VerdictConfig struct {
	Mode        string
	Concurrency int
}

// CoordinatorConfig holds background execution configuration.
type CoordinatorConfig struct {
	MaxConcurrentRuns int
	ResultCacheSize   int
	ShutdownTimeout   time.Duration
}

// SecretConfig holds the passphrase used to seal API keys at rest.
type SecretConfig struct {
	Passphrase string
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "ui_verdict")
	v.SetDefault("database.sqlite_path", "./ui-verdict.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.base_dir", "./uploads")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "us-east-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("artifacts.base_path", "./artifacts")
	v.SetDefault("artifacts.publish", false)

	v.SetDefault("auth_state.dir", "./auth_states")
	v.SetDefault("auth_state.capture_enabled", true)
	v.SetDefault("auth_state.capture_headless", false)
	v.SetDefault("auth_state.capture_idle_timeout", "10m")
	v.SetDefault("auth_state.capture_secret", "")

	v.SetDefault("executor.browser_driver", "playwright")
	v.SetDefault("executor.headless", true)
	v.SetDefault("executor.settle_delay", "3s")
	v.SetDefault("executor.default_backend", "direct")
	v.SetDefault("executor.agent_command", []string{"npx", "tsx", "executor.ts"})
	v.SetDefault("executor.agent_workdir", "./runner")
	v.SetDefault("executor.agent_timeout", "300s")

	v.SetDefault("verdict.mode", "holistic")
	v.SetDefault("verdict.concurrency", 3)

	v.SetDefault("coordinator.max_concurrent_runs", 4)
	v.SetDefault("coordinator.result_cache_size", 256)
	v.SetDefault("coordinator.shutdown_timeout", "5m")

	v.SetDefault("secret.passphrase", "")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults
	}

	// Parse configuration
	var config Config

	config.Server.Host = v.GetString("server.host")
	config.Server.Port = v.GetInt("server.port")
	config.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	config.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	config.Server.APIToken = v.GetString("server.api_token")

	config.Database.Driver = v.GetString("database.driver")
	config.Database.Host = v.GetString("database.host")
	config.Database.Port = v.GetInt("database.port")
	config.Database.User = v.GetString("database.user")
	config.Database.Password = v.GetString("database.password")
	config.Database.Database = v.GetString("database.database")
	config.Database.SQLitePath = v.GetString("database.sqlite_path")
	config.Database.MaxOpenConns = v.GetInt("database.max_open_conns")
	config.Database.MaxIdleConns = v.GetInt("database.max_idle_conns")
	config.Database.AutoMigrate = v.GetBool("database.auto_migrate")

	config.Storage.Type = v.GetString("storage.type")
	config.Storage.BaseDir = v.GetString("storage.base_dir")
	config.Storage.S3Bucket = v.GetString("storage.s3_bucket")
	config.Storage.S3Region = v.GetString("storage.s3_region")

	config.Log.Level = v.GetString("log.level")
	config.Log.Format = v.GetString("log.format")

	config.Artifacts.BasePath = v.GetString("artifacts.base_path")
	config.Artifacts.Publish = v.GetBool("artifacts.publish")

	config.AuthState.Dir = v.GetString("auth_state.dir")
	config.AuthState.CaptureEnabled = v.GetBool("auth_state.capture_enabled")
	config.AuthState.CaptureHeadless = v.GetBool("auth_state.capture_headless")
	config.AuthState.CaptureIdleTimeout = v.GetDuration("auth_state.capture_idle_timeout")
	config.AuthState.CaptureSecret = v.GetString("auth_state.capture_secret")

	config.Executor.BrowserDriver = v.GetString("executor.browser_driver")
	config.Executor.Headless = v.GetBool("executor.headless")
	config.Executor.SettleDelay = v.GetDuration("executor.settle_delay")
	config.Executor.DefaultBackend = v.GetString("executor.default_backend")
	config.Executor.AgentCommand = v.GetStringSlice("executor.agent_command")
	config.Executor.AgentWorkdir = v.GetString("executor.agent_workdir")
	config.Executor.AgentTimeout = v.GetDuration("executor.agent_timeout")

	config.Verdict.Mode = v.GetString("verdict.mode")
	config.Verdict.Concurrency = v.GetInt("verdict.concurrency")

	config.Coordinator.MaxConcurrentRuns = v.GetInt("coordinator.max_concurrent_runs")
	config.Coordinator.ResultCacheSize = v.GetInt("coordinator.result_cache_size")
	config.Coordinator.ShutdownTimeout = v.GetDuration("coordinator.shutdown_timeout")

	config.Secret.Passphrase = v.GetString("secret.passphrase")

	return &config, nil
}
