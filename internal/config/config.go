package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数（および任意の.envファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis（キャッシュ、Pub/Sub、ジョブキュー）
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Auth
	JWTSecret string
	JWTIssuer string

	// Cache TTL
	CacheItemTTL       time.Duration
	CacheListTTL       time.Duration
	CacheCategoriesTTL time.Duration
	CacheUserTTL       time.Duration

	// Notification
	NotifyMaxConcurrent       int
	DeliveryTimeout           time.Duration
	EmailRelayURL             string
	EmailFrom                 string
	NotificationRetentionDays int

	// Reminder
	ReminderLead          time.Duration
	ReminderSweepInterval time.Duration
	WorkerConcurrency     int
	WorkerMetricsPort     string

	// Rate Limit（req/min）
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// requiredKeys は未設定の場合に起動を中止する環境変数。
var requiredKeys = []string{"DATABASE_URL", "REDIS_ADDR", "JWT_SECRET"}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合は、不足しているものをまとめてエラーで返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "eventlocator")
	v.SetDefault("EMAIL_FROM", "noreply@eventlocator.local")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("WORKER_METRICS_PORT", "9091")

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg := &Config{
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		JWTIssuer:     v.GetString("JWT_ISSUER"),

		EmailRelayURL: v.GetString("EMAIL_RELAY_URL"),
		EmailFrom:     v.GetString("EMAIL_FROM"),

		LogLevel:          strings.ToLower(v.GetString("LOG_LEVEL")),
		ServerPort:        v.GetString("SERVER_PORT"),
		WorkerMetricsPort: strings.TrimSpace(v.GetString("WORKER_METRICS_PORT")),
		BaseURL:           v.GetString("BASE_URL"),
		CORSAllowedOrigin: v.GetString("CORS_ALLOWED_ORIGIN"),
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getInt(v, "DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getInt(v, "DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getDuration(v, "DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.RedisDB = getInt(v, "REDIS_DB", 0)
	cfg.CacheItemTTL = getDuration(v, "CACHE_ITEM_TTL", 15*time.Minute)
	cfg.CacheListTTL = getDuration(v, "CACHE_LIST_TTL", 15*time.Minute)
	cfg.CacheCategoriesTTL = getDuration(v, "CACHE_CATEGORIES_TTL", 30*time.Minute)
	cfg.CacheUserTTL = getDuration(v, "CACHE_USER_TTL", 15*time.Minute)
	cfg.NotifyMaxConcurrent = getInt(v, "NOTIFY_MAX_CONCURRENT", 10)
	cfg.DeliveryTimeout = getDuration(v, "DELIVERY_TIMEOUT", 10*time.Second)
	cfg.NotificationRetentionDays = getInt(v, "NOTIFICATION_RETENTION_DAYS", 90)
	cfg.ReminderLead = getDuration(v, "REMINDER_LEAD", 24*time.Hour)
	cfg.ReminderSweepInterval = getDuration(v, "REMINDER_SWEEP_INTERVAL", time.Minute)
	cfg.WorkerConcurrency = getInt(v, "WORKER_CONCURRENCY", 10)
	cfg.RateLimitGeneral = getInt(v, "RATE_LIMIT_GENERAL", 120)
	if cfg.WorkerMetricsPort == "0" {
		cfg.WorkerMetricsPort = ""
	}

	return cfg, nil
}

// getInt は整数値を読み込む。未設定または不正な値の場合はデフォルト値を返す。
func getInt(v *viper.Viper, key string, defaultVal int) int {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return i
}

// getDuration は期間を読み込む。未設定または不正な値の場合はデフォルト値を返す。
func getDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
