package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Audit    AuditConfig    `mapstructure:"audit"`
	RBAC     RBACConfig     `mapstructure:"rbac"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Password     PasswordConfig     `mapstructure:"password"`
	Tokens       TokenConfig        `mapstructure:"tokens"`
	Lockout      LockoutConfig      `mapstructure:"lockout"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// PasswordConfig holds password hashing configuration
type PasswordConfig struct {
	MinLength         int    `mapstructure:"min_length"`
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
}

// TokenConfig holds token issuance configuration.
// SigningKeySeed is a hex-encoded Ed25519 seed; when empty an ephemeral key
// is generated at startup (dev mode, tokens do not survive restarts).
type TokenConfig struct {
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshFamilyTTL time.Duration `mapstructure:"refresh_family_ttl"`
	SigningKeySeed   string        `mapstructure:"signing_key_seed"`
	Issuer           string        `mapstructure:"issuer"`
}

// LockoutConfig holds progressive sign-in lockout thresholds
type LockoutConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	BaseDuration time.Duration `mapstructure:"base_duration"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DefaultLimit  int    `mapstructure:"default_limit"`
	DefaultWindow string `mapstructure:"default_window"`
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	TOTP        TOTPConfig    `mapstructure:"totp"`
	BackupCodes BackupConfig  `mapstructure:"backup_codes"`
	PendingTTL  time.Duration `mapstructure:"pending_ttl"`
}

// TOTPConfig holds TOTP configuration. Skew is the number of adjacent time
// steps accepted on either side of the current one.
type TOTPConfig struct {
	Issuer          string `mapstructure:"issuer"`
	Digits          int    `mapstructure:"digits"`
	Period          int    `mapstructure:"period"`
	Skew            uint   `mapstructure:"skew"`
	ConfirmAttempts int    `mapstructure:"confirm_attempts"`
}

// BackupConfig holds backup-code batch configuration
type BackupConfig struct {
	BatchSize  int `mapstructure:"batch_size"`
	CodeLength int `mapstructure:"code_length"`
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	// PublishChannel is the Redis channel audit appends are fanned out on.
	// Empty disables publishing.
	PublishChannel string `mapstructure:"publish_channel"`
}

// RBACConfig holds RBAC engine configuration
type RBACConfig struct {
	// CacheTTL bounds how long a stale permission set may be served after a
	// grant mutation on another node. Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/trustgate")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("TRUSTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "trustgate")
	v.SetDefault("database.user", "trustgate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	v.SetDefault("security.password.min_length", 12)
	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)

	v.SetDefault("security.tokens.access_token_ttl", "15m")
	v.SetDefault("security.tokens.refresh_family_ttl", "720h")
	v.SetDefault("security.tokens.signing_key_seed", "")
	v.SetDefault("security.tokens.issuer", "trustgate")

	v.SetDefault("security.lockout.threshold", 5)
	v.SetDefault("security.lockout.base_duration", "5m")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 100)
	v.SetDefault("security.rate_limiting.default_window", "1m")

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "TrustGate")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)
	v.SetDefault("mfa.totp.confirm_attempts", 5)
	v.SetDefault("mfa.backup_codes.batch_size", 10)
	v.SetDefault("mfa.backup_codes.code_length", 8)
	v.SetDefault("mfa.pending_ttl", "5m")

	// Audit defaults
	v.SetDefault("audit.publish_channel", "trustgate:audit")

	// RBAC defaults
	v.SetDefault("rbac.cache_ttl", "30s")
}
