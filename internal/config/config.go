// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// Config defines the structure for all application configuration.
type Config struct {
	App        AppConfig         `yaml:"app"`
	Trading    TradingConfig     `yaml:"trading"`
	Evolution  EvolutionConfig   `yaml:"evolution"`
	Lifecycle  LifecycleConfig   `yaml:"lifecycle"`
	Population []PopulationEntry `yaml:"population"`
	Generator  GeneratorConfig   `yaml:"generator"`
	Feed       FeedConfig        `yaml:"feed"`
	Store      StoreConfig       `yaml:"store"`
	Alert      AlertConfig       `yaml:"alert"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	LogLevel            string   `yaml:"log_level"`
	Environment         string   `yaml:"environment"`
	Debug               FlexBool `yaml:"debug"`
	HTTPAddr            string   `yaml:"http_addr"`
	DataDirectory       string   `yaml:"data_directory"`
	StrategiesDirectory string   `yaml:"strategies_directory"`
}

// TradingConfig holds capital and risk limits.
type TradingConfig struct {
	InitialCapital     float64  `yaml:"initial_capital"`
	MaxDrawdownLimit   float64  `yaml:"max_drawdown_limit"`
	MaxPositionSize    float64  `yaml:"max_position_size"`
	ReserveMargin      float64  `yaml:"reserve_margin"`
	RiskFreeRate       float64  `yaml:"risk_free_rate"`
	SupportedExchanges []string `yaml:"supported_exchanges"`
}

// EvolutionConfig holds the selection cadence and fitness settings.
type EvolutionConfig struct {
	GenerationIntervalMinutes int     `yaml:"generation_interval_minutes"`
	EvaluationPeriodDays      int     `yaml:"evaluation_period_days"`
	SurvivalRate              float64 `yaml:"survival_rate"`
	MinSamples                int     `yaml:"min_samples"`
	WindowCapacity            int     `yaml:"window_capacity"`
	DrawdownPenalty           float64 `yaml:"drawdown_penalty"`
	GeneratorTimeoutMs        int     `yaml:"generator_timeout_ms"`
}

// GenerationInterval returns the evolution cadence.
func (c EvolutionConfig) GenerationInterval() time.Duration {
	return time.Duration(c.GenerationIntervalMinutes) * time.Minute
}

// EvaluationPeriod returns the metrics window length.
func (c EvolutionConfig) EvaluationPeriod() time.Duration {
	return time.Duration(c.EvaluationPeriodDays) * 24 * time.Hour
}

// GeneratorTimeout returns the deadline for one proposal.
func (c EvolutionConfig) GeneratorTimeout() time.Duration {
	return time.Duration(c.GeneratorTimeoutMs) * time.Millisecond
}

// LifecycleConfig holds failure handling and loop settings.
type LifecycleConfig struct {
	RetryBudget           int      `yaml:"retry_budget"`
	ErrorThreshold        int      `yaml:"error_threshold"`
	TickIntervalMs        int      `yaml:"tick_interval_ms"`
	CollaboratorTimeoutMs int      `yaml:"collaborator_timeout_ms"`
	MaxConcurrency        int      `yaml:"max_concurrency"`
	PurgeTerminated       FlexBool `yaml:"purge_terminated"`
	SnapshotEveryTicks    int      `yaml:"snapshot_every_ticks"`
}

// TickInterval returns the control loop period.
func (c LifecycleConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// CollaboratorTimeout returns the deadline applied to each collaborator call.
func (c LifecycleConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(c.CollaboratorTimeoutMs) * time.Millisecond
}

// PopulationEntry seeds Count components of one type at startup.
type PopulationEntry struct {
	Name       string             `yaml:"name"`
	Type       string             `yaml:"type"`
	Count      int                `yaml:"count"`
	Allocation float64            `yaml:"allocation"`
	Params     map[string]float64 `yaml:"params"`
}

// GeneratorConfig selects the strategy generator.
type GeneratorConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	MutationScale float64 `yaml:"mutation_scale"`
	Seed          int64   `yaml:"seed"`
}

// FeedConfig holds the live data-feed settings.
type FeedConfig struct {
	WebSocketURL string `yaml:"websocket_url"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver     string         `yaml:"driver"`
	SQLitePath string         `yaml:"sqlite_path"`
	Database   DatabaseConfig `yaml:"database"`
	Writer     DBWriterConfig `yaml:"writer"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns a postgres connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

// DBWriterConfig holds settings for the batched sample archive.
type DBWriterConfig struct {
	BatchSize            int `yaml:"batch_size"`
	WriteIntervalSeconds int `yaml:"write_interval_seconds"`
}

// AlertConfig holds notification settings.
type AlertConfig struct {
	Enabled               FlexBool `yaml:"enabled"`
	BufferIntervalSeconds int      `yaml:"buffer_interval_seconds"`
	TelegramBotToken      string   `yaml:"telegram_bot_token"`
	TelegramChatID        string   `yaml:"telegram_chat_id"`
	TelegramAPIURL        string   `yaml:"telegram_api_url"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:            "info",
			Environment:         "development",
			HTTPAddr:            ":8080",
			DataDirectory:       "./data",
			StrategiesDirectory: "./strategies",
		},
		Trading: TradingConfig{
			InitialCapital:     10000,
			MaxDrawdownLimit:   0.15,
			MaxPositionSize:    0.1,
			RiskFreeRate:       0.02,
			SupportedExchanges: []string{"binance", "coinbase", "kraken"},
		},
		Evolution: EvolutionConfig{
			GenerationIntervalMinutes: 60,
			EvaluationPeriodDays:      30,
			SurvivalRate:              0.2,
			MinSamples:                10,
			WindowCapacity:            4096,
			DrawdownPenalty:           2,
			GeneratorTimeoutMs:        5000,
		},
		Lifecycle: LifecycleConfig{
			RetryBudget:           2,
			ErrorThreshold:        3,
			TickIntervalMs:        1000,
			CollaboratorTimeoutMs: 2000,
			MaxConcurrency:        8,
			SnapshotEveryTicks:    60,
		},
		Generator: GeneratorConfig{MutationScale: 0.1},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "./data/ecosystem.db",
			Database:   DatabaseConfig{Host: "localhost", Port: 5432, SSLMode: "disable"},
			Writer:     DBWriterConfig{BatchSize: 500, WriteIntervalSeconds: 5},
		},
		Alert: AlertConfig{BufferIntervalSeconds: 60},
	}
}

var (
	mu        sync.RWMutex
	globalCfg *Config
)

// LoadConfig loads configuration from the specified YAML file path, a .env
// file in the working directory, and environment variables. The result is
// validated and installed as the global configuration.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional; real environment variables take precedence over it.
	_ = godotenv.Load()

	cfg := Default()
	if configPath != "" {
		file, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	globalCfg = cfg
	mu.Unlock()
	return cfg, nil
}

// ReloadConfig re-reads the configuration file and swaps the global config.
func ReloadConfig(configPath string) (*Config, error) {
	return LoadConfig(configPath)
}

// GetConfig returns the most recently loaded configuration, or the defaults
// if nothing was loaded yet.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if globalCfg == nil {
		return Default()
	}
	return globalCfg
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = f
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = i
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("LOG_LEVEL", &cfg.App.LogLevel)
	setString("ENVIRONMENT", &cfg.App.Environment)
	setString("HTTP_ADDR", &cfg.App.HTTPAddr)
	setString("DATA_DIRECTORY", &cfg.App.DataDirectory)
	setString("STRATEGIES_DIRECTORY", &cfg.App.StrategiesDirectory)
	if v := os.Getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DEBUG %q: %w", v, err))
		} else {
			cfg.App.Debug = FlexBool(b)
		}
	}

	setFloat("INITIAL_CAPITAL", &cfg.Trading.InitialCapital)
	setFloat("MAX_DRAWDOWN_LIMIT", &cfg.Trading.MaxDrawdownLimit)
	setFloat("MAX_POSITION_SIZE", &cfg.Trading.MaxPositionSize)
	setFloat("RISK_FREE_RATE", &cfg.Trading.RiskFreeRate)
	if v := os.Getenv("SUPPORTED_EXCHANGES"); v != "" {
		var exchanges []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exchanges = append(exchanges, e)
			}
		}
		cfg.Trading.SupportedExchanges = exchanges
	}

	setInt("GENERATION_INTERVAL", &cfg.Evolution.GenerationIntervalMinutes)
	setInt("EVALUATION_PERIOD", &cfg.Evolution.EvaluationPeriodDays)
	setFloat("SURVIVAL_RATE", &cfg.Evolution.SurvivalRate)

	setString("GENERATOR_ENDPOINT", &cfg.Generator.Endpoint)
	setString("FEED_WEBSOCKET_URL", &cfg.Feed.WebSocketURL)

	setString("STORE_DRIVER", &cfg.Store.Driver)
	setString("DB_HOST", &cfg.Store.Database.Host)
	setInt("DB_PORT", &cfg.Store.Database.Port)
	setString("DB_USER", &cfg.Store.Database.User)
	setString("DB_PASSWORD", &cfg.Store.Database.Password)
	setString("DB_NAME", &cfg.Store.Database.Name)

	setString("TELEGRAM_BOT_TOKEN", &cfg.Alert.TelegramBotToken)
	setString("TELEGRAM_CHAT_ID", &cfg.Alert.TelegramChatID)

	return errors.Join(errs...)
}

// Validate checks ranges of every value the controller depends on.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Trading.InitialCapital > 0, "trading.initial_capital must be positive, got %v", c.Trading.InitialCapital)
	check(c.Trading.MaxDrawdownLimit > 0 && c.Trading.MaxDrawdownLimit <= 1,
		"trading.max_drawdown_limit must be in (0, 1], got %v", c.Trading.MaxDrawdownLimit)
	check(c.Trading.MaxPositionSize > 0 && c.Trading.MaxPositionSize <= 1,
		"trading.max_position_size must be in (0, 1], got %v", c.Trading.MaxPositionSize)
	check(c.Trading.ReserveMargin >= 0 && c.Trading.ReserveMargin < 1,
		"trading.reserve_margin must be in [0, 1), got %v", c.Trading.ReserveMargin)

	check(c.Evolution.GenerationIntervalMinutes > 0,
		"evolution.generation_interval_minutes must be positive, got %d", c.Evolution.GenerationIntervalMinutes)
	check(c.Evolution.EvaluationPeriodDays > 0,
		"evolution.evaluation_period_days must be positive, got %d", c.Evolution.EvaluationPeriodDays)
	check(c.Evolution.SurvivalRate >= 0 && c.Evolution.SurvivalRate <= 1,
		"evolution.survival_rate must be in [0, 1], got %v", c.Evolution.SurvivalRate)
	check(c.Evolution.MinSamples > 0, "evolution.min_samples must be positive, got %d", c.Evolution.MinSamples)
	check(c.Evolution.WindowCapacity > 0, "evolution.window_capacity must be positive, got %d", c.Evolution.WindowCapacity)
	check(c.Evolution.GeneratorTimeoutMs > 0, "evolution.generator_timeout_ms must be positive, got %d", c.Evolution.GeneratorTimeoutMs)

	check(c.Lifecycle.RetryBudget >= 0, "lifecycle.retry_budget must not be negative, got %d", c.Lifecycle.RetryBudget)
	check(c.Lifecycle.ErrorThreshold > 0, "lifecycle.error_threshold must be positive, got %d", c.Lifecycle.ErrorThreshold)
	check(c.Lifecycle.TickIntervalMs > 0, "lifecycle.tick_interval_ms must be positive, got %d", c.Lifecycle.TickIntervalMs)
	check(c.Lifecycle.CollaboratorTimeoutMs > 0,
		"lifecycle.collaborator_timeout_ms must be positive, got %d", c.Lifecycle.CollaboratorTimeoutMs)
	check(c.Lifecycle.MaxConcurrency > 0, "lifecycle.max_concurrency must be positive, got %d", c.Lifecycle.MaxConcurrency)

	for i, p := range c.Population {
		check(p.Count >= 0, "population[%d].count must not be negative, got %d", i, p.Count)
		check(p.Allocation > 0, "population[%d].allocation must be positive, got %v", i, p.Allocation)
		if _, err := component.ParseType(p.Type); err != nil {
			errs = append(errs, fmt.Errorf("population[%d].type: %w", i, err))
		}
	}

	switch c.Store.Driver {
	case "memory", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of memory, postgres, sqlite, got %q", c.Store.Driver))
	}
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("app.environment must be one of development, staging, production, got %q", c.App.Environment))
	}
	if bool(c.Alert.Enabled) && (c.Alert.TelegramBotToken == "" || c.Alert.TelegramChatID == "") {
		errs = append(errs, errors.New("alert.enabled requires telegram bot token and chat id"))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates the data and strategies directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.App.DataDirectory, c.App.StrategiesDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
