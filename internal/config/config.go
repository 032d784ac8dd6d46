// Package config defines the top-level configuration for the market service
// and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/nostrmarket/internal/market"
	"github.com/alanyoungcy/nostrmarket/internal/notify"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by NOSTRMARKET_* environment variables.
type Config struct {
	Bitcoin  BitcoinConfig  `toml:"bitcoin"`
	Oracle   OracleConfig   `toml:"oracle"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Sweep    SweepConfig    `toml:"sweep"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BitcoinConfig selects the chain markets are created on.
type BitcoinConfig struct {
	Network string `toml:"network"`
}

// OracleConfig names the oracle whose attestations settle markets and the
// relays they are read from. The key fields are only read by oraclectl.
type OracleConfig struct {
	PubKey        string   `toml:"pubkey"`
	Relays        []string `toml:"relays"`
	Kind          int      `toml:"kind"`
	SinceLookback Duration `toml:"since_lookback"`

	SecretKey        string `toml:"secret_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the lock/cache tuning.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	LockTTL      Duration `toml:"lock_ttl"`
	LockRetries  int      `toml:"lock_retries"`
	LockBackoff  Duration `toml:"lock_backoff"`
	CacheTTL     Duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the upload of settled markets to S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Cron      string   `toml:"cron"`
	Retention Duration `toml:"retention"`
	BatchSize int      `toml:"batch_size"`
}

// SweepConfig schedules the awaiting-settlement sweep.
type SweepConfig struct {
	Cron string `toml:"cron"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bitcoin: BitcoinConfig{Network: string(market.Regtest)},
		Oracle: OracleConfig{
			Relays:        []string{"wss://relay.damus.io", "wss://nos.lol"},
			Kind:          1,
			SinceLookback: Duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "nostrmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			LockTTL:      Duration{10 * time.Second},
			LockRetries:  20,
			LockBackoff:  Duration{50 * time.Millisecond},
			CacheTTL:     Duration{5 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "nostrmarket-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Cron:      "0 0 3 * * *",
			Retention: Duration{30 * 24 * time.Hour},
			BatchSize: 500,
		},
		Sweep: SweepConfig{Cron: "0 */5 * * * *"},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: Duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{notify.EventMarketSettled, notify.EventAwaitingSettlement},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"watch":  true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEvents = map[string]bool{
	notify.EventMarketCreated:      true,
	notify.EventBetPlaced:          true,
	notify.EventMarketSettled:      true,
	notify.EventAwaitingSettlement: true,
}

// Watches reports whether the mode runs the attestation feed and cron jobs.
func (c *Config) Watches() bool {
	m := strings.ToLower(c.Mode)
	return m == "watch" || m == "full"
}

// Serves reports whether the mode runs the HTTP API.
func (c *Config) Serves() bool {
	m := strings.ToLower(c.Mode)
	return (m == "server" || m == "full") && c.Server.Enabled
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, watch, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if _, err := market.ParseNetwork(c.Bitcoin.Network); err != nil {
		errs = append(errs, fmt.Sprintf("bitcoin: network %q (valid: mainnet, testnet, signet, regtest)", c.Bitcoin.Network))
	}

	// Oracle: watching needs a key to filter on and somewhere to read from.
	if c.Watches() {
		if c.Oracle.PubKey == "" {
			errs = append(errs, "oracle: pubkey is required for mode "+c.Mode)
		} else if _, err := market.ParseOracleKey(c.Oracle.PubKey); err != nil {
			errs = append(errs, "oracle: pubkey must be a 32-byte x-only hex key")
		}
		if len(c.Oracle.Relays) == 0 {
			errs = append(errs, "oracle: at least one relay is required for mode "+c.Mode)
		}
	}
	for _, r := range c.Oracle.Relays {
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("oracle: relay %q must be a ws:// or wss:// url", r))
		}
	}
	if c.Oracle.Kind < 0 || c.Oracle.Kind > 65535 {
		errs = append(errs, fmt.Sprintf("oracle: kind must be 0-65535, got %d", c.Oracle.Kind))
	}
	if c.Oracle.SinceLookback.Duration < 0 {
		errs = append(errs, "oracle: since_lookback must not be negative")
	}
	if c.Oracle.EncryptedKeyPath != "" && c.Oracle.KeyPassword == "" {
		errs = append(errs, "oracle: key_password is required when encrypted_key_path is set")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}
	if c.Redis.LockRetries < 0 {
		errs = append(errs, "redis: lock_retries must be >= 0")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
