package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Store    StoreConfig    `mapstructure:"store"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ChainConfig holds chain connection and reorg monitor configuration
type ChainConfig struct {
	// Mode selects the chain source: "ethereum" reads a JSON-RPC node,
	// "synthetic" runs the simulated chain with random trades.
	Mode string `mapstructure:"mode"`

	RPCURL string `mapstructure:"rpc_url"`

	// CheckDepth is how many blocks behind the tip are re-checked for
	// reorganisations on every cycle.
	CheckDepth                 int64         `mapstructure:"check_depth"`
	MaxReorgResolutionAttempts int           `mapstructure:"max_reorg_resolution_attempts"`
	ReorgWait                  time.Duration `mapstructure:"reorg_wait"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BackfillBlocks int64         `mapstructure:"backfill_blocks"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// FeedConfig holds trade feed configuration
type FeedConfig struct {
	Pairs     []string `mapstructure:"pairs"`
	Timeframe string   `mapstructure:"timeframe"`

	// Offset shifts candle bucket boundaries, e.g. "30s".
	Offset time.Duration `mapstructure:"offset"`

	// DataRetention bounds the in-memory trade buffer. Zero keeps
	// everything.
	DataRetention time.Duration `mapstructure:"data_retention"`
}

// StoreConfig holds persistence configuration
type StoreConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DataDir       string        `mapstructure:"data_dir"`
	PartitionSize int64         `mapstructure:"partition_size"`
	SaveInterval  time.Duration `mapstructure:"save_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`

	// MaxRetries and RetryDelayBase tune the linear-backoff send retry.
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("CHAINFEED")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Chain defaults
	v.SetDefault("chain.mode", "synthetic")
	v.SetDefault("chain.check_depth", 200)
	v.SetDefault("chain.max_reorg_resolution_attempts", 10)
	v.SetDefault("chain.reorg_wait", "5s")
	v.SetDefault("chain.poll_interval", "12s")
	v.SetDefault("chain.backfill_blocks", 100)
	v.SetDefault("chain.timeout", "30s")

	// Feed defaults
	v.SetDefault("feed.timeframe", "1m")
	v.SetDefault("feed.offset", "0s")
	v.SetDefault("feed.data_retention", "0s") // 0 = keep everything

	// Store defaults
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.data_dir", "./data/chainfeed")
	v.SetDefault("store.partition_size", 1000)
	v.SetDefault("store.save_interval", "5m")

	// Telegram defaults
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Chain config
	if c.Chain.Mode != "ethereum" && c.Chain.Mode != "synthetic" {
		return fmt.Errorf("chain.mode must be one of: ethereum, synthetic")
	}
	if c.Chain.Mode == "ethereum" && c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required when chain.mode is ethereum")
	}
	if c.Chain.CheckDepth < 1 {
		return fmt.Errorf("chain.check_depth must be at least 1")
	}
	if c.Chain.MaxReorgResolutionAttempts < 1 {
		return fmt.Errorf("chain.max_reorg_resolution_attempts must be at least 1")
	}
	if c.Chain.PollInterval < 1*time.Second {
		return fmt.Errorf("chain.poll_interval must be at least 1 second")
	}
	if c.Chain.BackfillBlocks < 1 {
		return fmt.Errorf("chain.backfill_blocks must be at least 1")
	}

	// Validate Feed config
	if len(c.Feed.Pairs) == 0 {
		return fmt.Errorf("feed.pairs must contain at least one pair")
	}
	if c.Feed.Timeframe == "" {
		return fmt.Errorf("feed.timeframe is required")
	}
	if c.Feed.Offset < 0 {
		return fmt.Errorf("feed.offset must not be negative")
	}
	if c.Feed.DataRetention < 0 {
		return fmt.Errorf("feed.data_retention must not be negative")
	}

	// Validate Store config
	if c.Store.Enabled {
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required when store is enabled")
		}
		if c.Store.PartitionSize < 1 {
			return fmt.Errorf("store.partition_size must be at least 1")
		}
	}
	// Checked even with the store disabled: the save ticker always runs.
	if c.Store.SaveInterval < 1*time.Minute {
		return fmt.Errorf("store.save_interval must be at least 1 minute")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
		if c.Telegram.RetryDelayBase <= 0 {
			return fmt.Errorf("telegram.retry_delay_base must be positive")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
