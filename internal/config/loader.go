package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LMSR_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LMSR_* environment variable overrides, and
// returns the final Config. An empty path or a missing file leaves the
// defaults in place. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LMSR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")

	// ── Engine ──
	setUint32(&cfg.Engine.ProtocolFeeBps, "ENGINE_PROTOCOL_FEE_BPS")
	setDuration(&cfg.Engine.Liveness, "ENGINE_LIVENESS")
	setInt(&cfg.Engine.MaxOutcomes, "ENGINE_MAX_OUTCOMES")
	setStr(&cfg.Engine.MinLiquidity, "ENGINE_MIN_LIQUIDITY")
	setStr(&cfg.Engine.MaxLiquidity, "ENGINE_MAX_LIQUIDITY")
	setBool(&cfg.Engine.AllowSell, "ENGINE_ALLOW_SELL")
	setStringSlice(&cfg.Engine.Operators, "ENGINE_OPERATORS")
	setBool(&cfg.Engine.PublicCreation, "ENGINE_PUBLIC_CREATION")
	setDuration(&cfg.Engine.DedupTTL, "ENGINE_DEDUP_TTL")

	// ── Store ──
	setStr(&cfg.Store.Driver, "STORE_DRIVER")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")
	setStr(&cfg.SQLite.Path, "SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.SnapshotTTL, "REDIS_SNAPSHOT_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStr(&cfg.Server.JWTSecret, "SERVER_JWT_SECRET")
	setStr(&cfg.Server.JWTIssuer, "SERVER_JWT_ISSUER")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.ReadLimit, "SERVER_READ_LIMIT")
	setInt(&cfg.Server.WriteLimit, "SERVER_WRITE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")
	setInt64(&cfg.Wallet.ChainID, "WALLET_CHAIN_ID")

	// ── Collaborators ──
	setStr(&cfg.Custody.Kind, "CUSTODY_KIND")
	setStr(&cfg.Custody.URL, "CUSTODY_URL")
	setStr(&cfg.Custody.APIKey, "CUSTODY_API_KEY")
	setStr(&cfg.Custody.APISecret, "CUSTODY_API_SECRET")
	setUint8(&cfg.Custody.AssetDecimals, "CUSTODY_ASSET_DECIMALS")
	setStr(&cfg.Oracle.Kind, "ORACLE_KIND")
	setStr(&cfg.Oracle.URL, "ORACLE_URL")
	setStr(&cfg.EVM.RPCURL, "EVM_RPC_URL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Loops ──
	setDuration(&cfg.Keeper.Interval, "KEEPER_INTERVAL")
	setInt(&cfg.Keeper.VerifyEvery, "KEEPER_VERIFY_EVERY")
	setStr(&cfg.Keeper.APIURL, "KEEPER_API_URL")
	setDuration(&cfg.Archive.Interval, "ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Window, "ARCHIVE_WINDOW")
	setInt(&cfg.Archive.Lookback, "ARCHIVE_LOOKBACK")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setUint8(dst *uint8, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			*dst = uint8(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
