package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Transfers TransfersConfig
	Audit     AuditDispatchConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	// TxIsolation is one of read_committed, repeatable_read, serializable.
	TxIsolation     string
	ConflictRetries int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// TransfersConfig tunes the transfer engine.
type TransfersConfig struct {
	StatsCacheEnabled       bool
	StatsCacheTTL           time.Duration
	RevertBlockOnAttendance bool
	InvoiceDueDays          int
}

// AuditDispatchConfig controls delivery of the audit outbox to the activity log.
type AuditDispatchConfig struct {
	Interval    time.Duration
	BatchSize   int
	Workers     int
	MaxAttempts int
	LockTTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:            v.GetString("DB_HOST"),
		Port:            v.GetInt("DB_PORT"),
		User:            v.GetString("DB_USER"),
		Password:        v.GetString("DB_PASSWORD"),
		Name:            v.GetString("DB_NAME"),
		SSLMode:         v.GetString("DB_SSL_MODE"),
		MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
		TxIsolation:     strings.ToLower(v.GetString("DB_TX_ISOLATION")),
		ConflictRetries: v.GetInt("DB_TX_CONFLICT_RETRIES"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Transfers = TransfersConfig{
		StatsCacheEnabled:       v.GetBool("TRANSFER_STATS_CACHE_ENABLED"),
		StatsCacheTTL:           parseDuration(v.GetString("TRANSFER_STATS_CACHE_TTL"), 5*time.Minute),
		RevertBlockOnAttendance: v.GetBool("TRANSFER_REVERT_BLOCK_ON_ATTENDANCE"),
		InvoiceDueDays:          v.GetInt("TRANSFER_INVOICE_DUE_DAYS"),
	}

	cfg.Audit = AuditDispatchConfig{
		Interval:    parseDuration(v.GetString("AUDIT_DISPATCH_INTERVAL"), 2*time.Second),
		BatchSize:   v.GetInt("AUDIT_DISPATCH_BATCH_SIZE"),
		Workers:     v.GetInt("AUDIT_DISPATCH_WORKERS"),
		MaxAttempts: v.GetInt("AUDIT_DISPATCH_MAX_ATTEMPTS"),
		LockTTL:     parseDuration(v.GetString("AUDIT_DISPATCH_LOCK_TTL"), 30*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "student_transfers")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_TX_ISOLATION", "serializable")
	v.SetDefault("DB_TX_CONFLICT_RETRIES", 1)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("TRANSFER_STATS_CACHE_ENABLED", true)
	v.SetDefault("TRANSFER_STATS_CACHE_TTL", "5m")
	v.SetDefault("TRANSFER_REVERT_BLOCK_ON_ATTENDANCE", true)
	v.SetDefault("TRANSFER_INVOICE_DUE_DAYS", 7)

	v.SetDefault("AUDIT_DISPATCH_INTERVAL", "2s")
	v.SetDefault("AUDIT_DISPATCH_BATCH_SIZE", 50)
	v.SetDefault("AUDIT_DISPATCH_WORKERS", 2)
	v.SetDefault("AUDIT_DISPATCH_MAX_ATTEMPTS", 5)
	v.SetDefault("AUDIT_DISPATCH_LOCK_TTL", "30s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
