package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend は永続化先の種別。
type StorageBackend string

const (
	// StoragePostgres はPostgreSQLに永続化する（本番）。
	StoragePostgres StorageBackend = "postgres"
	// StorageMemory はプロセス内メモリに保持する（ローカル起動・デモ用）。
	StorageMemory StorageBackend = "memory"
)

// ResumeMode はMigrating状態で停止したセッションの扱いを表す。
type ResumeMode string

const (
	// ResumeAuto は確保期限切れのセッションを同一ユーザーの次回呼び出しで自動再開する。
	ResumeAuto ResumeMode = "auto"
	// ResumeManual は運用者による解放（Release）まで再開しない。
	ResumeManual ResumeMode = "manual"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageBackend StorageBackend
	DatabaseURL    string
	DBMaxOpenConns int
	StoreTimeout   time.Duration

	// Migration
	ResumeMode         ResumeMode
	ClaimLease         time.Duration
	MaxAttempts        int
	NonMigratableTypes []string

	// Stats
	StatsAgeThreshold    time.Duration
	StatsCacheTTL        time.Duration
	StatsRefreshInterval time.Duration
	RedisURL             string

	// Webhook
	WebhookURL     string
	WebhookTimeout time.Duration

	// Rate Limit
	RateLimitMigrate int // req/min per client

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StorageBackend = StorageBackend(getEnvString("STORAGE_BACKEND", string(StoragePostgres)))
	switch cfg.StorageBackend {
	case StoragePostgres, StorageMemory:
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND: %q (want postgres or memory)", cfg.StorageBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageBackend == StoragePostgres {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ResumeMode = ResumeMode(getEnvString("MIGRATION_RESUME_MODE", string(ResumeAuto)))
	switch cfg.ResumeMode {
	case ResumeAuto, ResumeManual:
	default:
		return nil, fmt.Errorf("invalid MIGRATION_RESUME_MODE: %q (want auto or manual)", cfg.ResumeMode)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.ClaimLease = getEnvDuration("MIGRATION_CLAIM_LEASE", 30*time.Second)
	cfg.MaxAttempts = getEnvInt("MIGRATION_MAX_ATTEMPTS", 3)
	cfg.NonMigratableTypes = getEnvStringList("MIGRATION_NON_MIGRATABLE_TYPES")
	cfg.StatsAgeThreshold = getEnvDuration("STATS_AGE_THRESHOLD", 24*time.Hour)
	cfg.StatsCacheTTL = getEnvDuration("STATS_CACHE_TTL", 30*time.Second)
	cfg.StatsRefreshInterval = getEnvDuration("STATS_REFRESH_INTERVAL", time.Minute)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.WebhookURL = getEnvString("WEBHOOK_URL", "")
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	cfg.RateLimitMigrate = getEnvInt("RATE_LIMIT_MIGRATE", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvStringList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
