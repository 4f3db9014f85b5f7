// Package config defines the top-level configuration for lmsrd and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LMSR_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	Log      LogConfig      `toml:"log"`
	Engine   EngineConfig   `toml:"engine"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Wallet   WalletConfig   `toml:"wallet"`
	Custody  CustodyConfig  `toml:"custody"`
	Oracle   OracleConfig   `toml:"oracle"`
	EVM      EVMConfig      `toml:"evm"`
	Notify   NotifyConfig   `toml:"notify"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// EngineConfig holds the market rules. Liquidity bounds are human decimal
// amounts of the collateral unit.
type EngineConfig struct {
	ProtocolFeeBps uint32           `toml:"protocol_fee_bps"`
	Liveness       duration         `toml:"liveness"`
	MaxOutcomes    int              `toml:"max_outcomes"`
	MinLiquidity   string           `toml:"min_liquidity"`
	MaxLiquidity   string           `toml:"max_liquidity"`
	AllowSell      bool             `toml:"allow_sell"`
	Operators      []string         `toml:"operators"`
	PublicCreation bool             `toml:"public_creation"`
	GateRules      []GateRuleConfig `toml:"gate_rules"`
	// DedupTTL is how long an idempotency key is remembered.
	DedupTTL duration `toml:"dedup_ttl"`
}

// GateRuleConfig is one creation gate rule. Threshold is an integer in
// the asset's base units.
type GateRuleConfig struct {
	Kind      string `toml:"kind"` // min_balance or min_nft_holdings
	Asset     string `toml:"asset"`
	Threshold string `toml:"threshold"`
}

// StoreConfig selects the ledger store.
type StoreConfig struct {
	Driver string `toml:"driver"` // postgres or sqlite
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

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When disabled, the
// snapshot cache, bus and rate limiter run in process and the keeper
// runs without a leader lock.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// SnapshotTTL bounds how stale a cached market snapshot may be.
	SnapshotTTL  duration `toml:"snapshot_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr        string   `toml:"addr"`
	JWTSecret   string   `toml:"jwt_secret"`
	JWTIssuer   string   `toml:"jwt_issuer"`
	CORSOrigins []string `toml:"cors_origins"`
	ReadLimit   int      `toml:"read_limit"`
	WriteLimit  int      `toml:"write_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// WalletConfig holds the operator signing key used for custody transfers
// and oracle claims.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int64  `toml:"chain_id"`
}

// CustodyConfig selects the custody collaborator.
type CustodyConfig struct {
	Kind          string   `toml:"kind"` // http or memory
	URL           string   `toml:"url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	AssetDecimals uint8    `toml:"asset_decimals"`
	Timeout       duration `toml:"timeout"`
}

// OracleConfig selects the oracle collaborator.
type OracleConfig struct {
	Kind    string   `toml:"kind"` // http or optimistic
	URL     string   `toml:"url"`
	Timeout duration `toml:"timeout"`
}

// EVMConfig configures on-chain balance reads for the creation gate.
type EVMConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	GateCacheSize int      `toml:"gate_cache_size"`
	GateCacheTTL  duration `toml:"gate_cache_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// KeeperConfig tunes the settlement keeper.
type KeeperConfig struct {
	Interval    duration `toml:"interval"`
	VerifyEvery int      `toml:"verify_every"`
	// APIURL is the base URL of the api process a standalone keeper
	// settles through. Only mode keeper reads it.
	APIURL string `toml:"api_url"`
}

// ArchiveConfig tunes the archive scheduler.
type ArchiveConfig struct {
	Interval duration `toml:"interval"`
	Window   duration `toml:"window"`
	Lookback int      `toml:"lookback"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode: "all",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			ProtocolFeeBps: 100,
			Liveness:       duration{2 * time.Hour},
			MaxOutcomes:    16,
			MinLiquidity:   "1",
			MaxLiquidity:   "10000000",
			AllowSell:      true,
			DedupTTL:       duration{10 * time.Minute},
		},
		Store: StoreConfig{Driver: "sqlite"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "lmsr",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "lmsr.db"},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "lmsr:",
			SnapshotTTL:  duration{30 * time.Second},
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "lmsr-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			JWTIssuer:   "lmsrd",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			ReadLimit:   600,
			WriteLimit:  60,
			RateWindow:  duration{time.Minute},
		},
		Wallet: WalletConfig{ChainID: 137},
		Custody: CustodyConfig{
			Kind:          "memory",
			AssetDecimals: 6,
			Timeout:       duration{15 * time.Second},
		},
		Oracle: OracleConfig{
			Kind:    "optimistic",
			Timeout: duration{15 * time.Second},
		},
		EVM: EVMConfig{
			GateCacheSize: 4096,
			GateCacheTTL:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "assertion_disputed", "liquidity_rescaled"},
		},
		Keeper: KeeperConfig{
			Interval:    duration{30 * time.Second},
			VerifyEvery: 10,
		},
		Archive: ArchiveConfig{
			Interval: duration{time.Hour},
			Window:   duration{24 * time.Hour},
			Lookback: 3,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":      true,
	"keeper":   true,
	"archiver": true,
	"all":      true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, keeper, archiver, all)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log format %q (valid: json, text)", c.Log.Format))
	}

	// Engine
	if c.Engine.ProtocolFeeBps > 10_000 {
		errs = append(errs, "engine: protocol_fee_bps must be <= 10000")
	}
	if c.Engine.Liveness.Duration <= 0 {
		errs = append(errs, "engine: liveness must be > 0")
	}
	if (c.Mode == "api" || c.Mode == "all") && len(c.Engine.Operators) == 0 {
		errs = append(errs, "engine: operators must not be empty")
	}
	if c.Engine.MaxOutcomes < 2 {
		errs = append(errs, "engine: max_outcomes must be >= 2")
	}
	minL, minErr := decimal.NewFromString(c.Engine.MinLiquidity)
	if minErr != nil || !minL.IsPositive() {
		errs = append(errs, fmt.Sprintf("engine: min_liquidity %q must be a positive decimal", c.Engine.MinLiquidity))
	}
	maxL, maxErr := decimal.NewFromString(c.Engine.MaxLiquidity)
	if maxErr != nil || !maxL.IsPositive() {
		errs = append(errs, fmt.Sprintf("engine: max_liquidity %q must be a positive decimal", c.Engine.MaxLiquidity))
	}
	if minErr == nil && maxErr == nil && minL.GreaterThan(maxL) {
		errs = append(errs, "engine: min_liquidity must not exceed max_liquidity")
	}
	for i, r := range c.Engine.GateRules {
		if r.Kind != "min_balance" && r.Kind != "min_nft_holdings" {
			errs = append(errs, fmt.Sprintf("engine: gate_rules[%d]: unknown kind %q", i, r.Kind))
		}
		if r.Asset == "" {
			errs = append(errs, fmt.Sprintf("engine: gate_rules[%d]: asset must not be empty", i))
		}
	}
	if len(c.Engine.GateRules) > 0 && c.EVM.RPCURL == "" {
		errs = append(errs, "evm: rpc_url is required when engine.gate_rules are set")
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Mode == "archiver" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for mode archiver")
	}

	// Server
	if c.Mode == "api" || c.Mode == "all" {
		if c.Server.JWTSecret == "" {
			errs = append(errs, "server: jwt_secret must be set for mode "+c.Mode)
		}
		if c.Server.Addr == "" {
			errs = append(errs, "server: addr must not be empty")
		}
	}

	// Wallet is needed to sign for remote collaborators.
	remote := c.Custody.Kind == "http" || c.Oracle.Kind == "http"
	if remote {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for http custody or oracle")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.ChainID <= 0 {
			errs = append(errs, "wallet: chain_id must be positive")
		}
	}

	// Custody
	switch c.Custody.Kind {
	case "http":
		if err := checkURL(c.Custody.URL); err != nil {
			errs = append(errs, "custody: url "+err.Error())
		}
		if c.Custody.AssetDecimals > 18 {
			errs = append(errs, "custody: asset_decimals must be <= 18")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("custody: unknown kind %q (valid: http, memory)", c.Custody.Kind))
	}

	// Oracle
	switch c.Oracle.Kind {
	case "http":
		if err := checkURL(c.Oracle.URL); err != nil {
			errs = append(errs, "oracle: url "+err.Error())
		}
	case "optimistic":
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown kind %q (valid: http, optimistic)", c.Oracle.Kind))
	}

	// Keeper and archive
	if c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}
	if c.Mode == "keeper" {
		if err := checkURL(c.Keeper.APIURL); err != nil {
			errs = append(errs, "keeper: api_url "+err.Error())
		}
	}
	if c.Archive.Window.Duration <= 0 || c.Archive.Interval.Duration <= 0 {
		errs = append(errs, "archive: interval and window must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}
