package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	ApprovalAuto   = "auto"
	ApprovalDoctor = "doctor"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	Store       string   `mapstructure:"STORE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthTokenTTL    time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	AuthRefreshTTL  time.Duration `mapstructure:"AUTH_REFRESH_TTL"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LockTTL         time.Duration `mapstructure:"LOCK_TTL"`
	GrantApproval   string        `mapstructure:"GRANT_APPROVAL"`
	TemporaryTTL    time.Duration `mapstructure:"TEMPORARY_GRANT_TTL"`
	PinataAPIKey    string        `mapstructure:"PINATA_API_KEY"`
	PinataSecretKey string        `mapstructure:"PINATA_SECRET_KEY"`
	PinataBaseURL   string        `mapstructure:"PINATA_BASE_URL"`
	PinataGateway   string        `mapstructure:"PINATA_GATEWAY"`
	IPFSTimeout     time.Duration `mapstructure:"IPFS_TIMEOUT"`
	LedgerEnabled   bool          `mapstructure:"LEDGER_ENABLED"`
	LedgerPath      string        `mapstructure:"LEDGER_PATH"`
	AnchorTimeout   time.Duration `mapstructure:"ANCHOR_TIMEOUT"`
	DocumentDir     string        `mapstructure:"DOCUMENT_DIR"`
	MaxDocumentSize int64         `mapstructure:"MAX_DOCUMENT_BYTES"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"AUTH_TOKEN_TTL", "AUTH_REFRESH_TTL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "LOCK_TTL", "GRANT_APPROVAL", "TEMPORARY_GRANT_TTL",
	"PINATA_API_KEY", "PINATA_SECRET_KEY", "PINATA_BASE_URL", "PINATA_GATEWAY",
	"IPFS_TIMEOUT", "LEDGER_ENABLED", "LEDGER_PATH", "ANCHOR_TIMEOUT",
	"DOCUMENT_DIR", "MAX_DOCUMENT_BYTES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "healthsecure")
	v.SetDefault("AUTH_TOKEN_TTL", "15m")
	v.SetDefault("AUTH_REFRESH_TTL", "168h")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("GRANT_APPROVAL", ApprovalAuto)
	v.SetDefault("TEMPORARY_GRANT_TTL", "720h")
	v.SetDefault("PINATA_BASE_URL", "https://api.pinata.cloud")
	v.SetDefault("PINATA_GATEWAY", "https://gateway.pinata.cloud/ipfs/")
	v.SetDefault("IPFS_TIMEOUT", "30s")
	v.SetDefault("LEDGER_ENABLED", true)
	v.SetDefault("LEDGER_PATH", "data/ledger")
	v.SetDefault("ANCHOR_TIMEOUT", "60s")
	v.SetDefault("DOCUMENT_DIR", "data/documents")
	v.SetDefault("MAX_DOCUMENT_BYTES", 20<<20)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.GrantApproval = strings.ToLower(cfg.GrantApproval)

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PinataEnabled reports whether real IPFS pinning is configured. Without
// credentials the server pins into memory.
func (c *Config) PinataEnabled() bool {
	return c.PinataAPIKey != "" && c.PinataSecretKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters outside development")
	}
	if c.GrantApproval != ApprovalAuto && c.GrantApproval != ApprovalDoctor {
		return fmt.Errorf("GRANT_APPROVAL must be %q or %q, got %q", ApprovalAuto, ApprovalDoctor, c.GrantApproval)
	}
	if c.TemporaryTTL <= 0 {
		return fmt.Errorf("TEMPORARY_GRANT_TTL must be positive")
	}
	if c.AuthTokenTTL <= 0 || c.AuthRefreshTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL and AUTH_REFRESH_TTL must be positive")
	}
	if (c.PinataAPIKey == "") != (c.PinataSecretKey == "") {
		return fmt.Errorf("PINATA_API_KEY and PINATA_SECRET_KEY must be set together")
	}
	if c.LedgerEnabled && c.LedgerPath == "" {
		return fmt.Errorf("LEDGER_PATH is required when LEDGER_ENABLED is true")
	}
	if c.MaxDocumentSize <= 0 {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must be positive")
	}
	return nil
}

// DevSigningKey is used when ENV=development and no key is configured.
const DevSigningKey = "healthsecure-development-signing-key-not-for-production"

// SigningKey returns the configured HMAC key, falling back to DevSigningKey
// in development.
func (c *Config) SigningKey() []byte {
	if c.AuthSigningKey == "" && c.IsDev() {
		return []byte(DevSigningKey)
	}
	return []byte(c.AuthSigningKey)
}
