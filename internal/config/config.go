// Package config defines all configuration for the capture service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TAPE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig holds the vendor endpoints. The bearer token itself is not
// configured here — it is entered at runtime through the token store — but
// TAPE_BEARER_TOKEN can seed it for headless deployments.
type APIConfig struct {
	RunningTradeURL string `mapstructure:"running_trade_url"`
	TradingKeyURL   string `mapstructure:"trading_key_url"`
	WebSocketURL    string `mapstructure:"websocket_url"`
	Origin          string `mapstructure:"origin"`
	UserAgent       string `mapstructure:"user_agent"`
	SeedBearerToken string `mapstructure:"-"`
}

// StreamConfig tunes the orderbook streamer.
//
//   - MaxRetries: reconnect attempts before giving up (0 = unbounded).
//   - MaxFrameBytes: read limit on inbound frames; the vendor sends large
//     snapshot bursts, so this must be generous.
//   - CloseTimeout: how long Stop waits for a clean close handshake.
type StreamConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
}

// DaemonConfig tunes the streaming supervisor.
// TickInterval is how often the scheduler re-evaluates the market clock and
// stream health; external commands interrupt the wait.
type DaemonConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// CrawlConfig sets the defaults for historical crawl jobs. Per-job values
// override these at create time.
type CrawlConfig struct {
	DelaySeconds float64 `mapstructure:"delay_seconds"`
	PageLimit    int     `mapstructure:"page_limit"`
	RetryCount   int     `mapstructure:"retry_count"`
}

// StoreConfig sets where data and state live on disk.
//
//   - DataDir:      historical trade CSVs
//   - OrderbookDir: live orderbook CSVs
//   - StateDir:     token.json, orderbook_watchlist.json
//   - JobsDir:      durable job store (badger)
type StoreConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	OrderbookDir string `mapstructure:"orderbook_dir"`
	StateDir     string `mapstructure:"state_dir"`
	JobsDir      string `mapstructure:"jobs_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// The bearer token can be seeded via TAPE_BEARER_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.running_trade_url", "https://exodus.stockbit.com/order-trade/running-trade")
	v.SetDefault("api.trading_key_url", "https://exodus.stockbit.com/auth/websocket/key")
	v.SetDefault("api.websocket_url", "wss://wss-jkt.trading.stockbit.com/ws")
	v.SetDefault("api.origin", "https://stockbit.com")
	v.SetDefault("api.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:147.0) Gecko/20100101 Firefox/147.0")
	v.SetDefault("stream.max_frame_bytes", 10*1024*1024)
	v.SetDefault("stream.close_timeout", 10*time.Second)
	v.SetDefault("daemon.tick_interval", 30*time.Second)
	v.SetDefault("crawl.delay_seconds", 3.0)
	v.SetDefault("crawl.page_limit", 50)
	v.SetDefault("crawl.retry_count", 3)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.orderbook_dir", "data/orderbook")
	v.SetDefault("store.state_dir", "state")
	v.SetDefault("store.jobs_dir", "state/jobs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("TAPE_BEARER_TOKEN"); token != "" {
		cfg.API.SeedBearerToken = token
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.RunningTradeURL == "" {
		return fmt.Errorf("api.running_trade_url is required")
	}
	if c.API.TradingKeyURL == "" {
		return fmt.Errorf("api.trading_key_url is required")
	}
	if c.API.WebSocketURL == "" {
		return fmt.Errorf("api.websocket_url is required")
	}
	if c.Stream.MaxFrameBytes < 10*1024*1024 {
		return fmt.Errorf("stream.max_frame_bytes must be at least 10 MiB, got %d", c.Stream.MaxFrameBytes)
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must be >= 0 (0 = unbounded)")
	}
	if c.Daemon.TickInterval <= 0 {
		return fmt.Errorf("daemon.tick_interval must be > 0")
	}
	if c.Crawl.PageLimit <= 0 {
		return fmt.Errorf("crawl.page_limit must be > 0")
	}
	if c.Crawl.DelaySeconds < 0 {
		return fmt.Errorf("crawl.delay_seconds must be >= 0")
	}
	return nil
}
