// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// 永続化バックエンドの種類
const (
	StoreRedis     = "redis"
	StoreSurrealDB = "surrealdb"
	StoreMemory    = "memory"
)

// 公開先の種類
const (
	PublisherS3    = "s3"
	PublisherLocal = "local"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port               string `validate:"required,numeric"`
	GinMode            string `validate:"oneof=debug release test"`
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	MaxUploadBytes     int64  `validate:"gt=0"` // アップロードCSVの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL     string        `validate:"required"` // Asynq用Redis接続URL
	WorkerConcurrency int           `validate:"gte=1"`    // 同時に実行するジョブ数の上限
	URLConcurrency    int           `validate:"gte=1"`    // 1アイテム内で並列処理するURL数
	JobTimeout        time.Duration `validate:"gt=0"`     // 1ジョブあたりの処理期限

	// 画像処理設定
	FetchTimeout  time.Duration `validate:"gte=0"`
	UploadTimeout time.Duration `validate:"gte=0"`
	MaxImageBytes int64         `validate:"gt=0"`
	JPEGQuality   int           `validate:"gte=1,lte=100"`

	// 永続化設定
	StoreBackend       string `validate:"oneof=redis surrealdb memory"`
	StoreRedisURL      string
	RecordTTLHours     int `validate:"gte=0"` // 0 の場合は期限なし
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string `validate:"oneof=root database"`

	// 公開先設定
	Publisher       string `validate:"oneof=s3 local"`
	S3Bucket        string
	S3Key           string
	S3Secret        string
	S3Region        string
	S3Endpoint      string // R2 / MinIO など S3 互換ストレージ用
	S3PublicBaseURL string
	S3PresignExpiry time.Duration `validate:"gt=0"`
	LocalPublishDir string
	PublicBaseURL   string

	// ログ/監視設定
	LogFile           string
	LogLevel          slog.Level
	SentryDSN         string
	SentryEnvironment string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	queueURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")
	port := getEnv("PORT", "8080")

	config := &Config{
		Port:               port,
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		MaxUploadBytes:     getEnvAsInt64("MAX_UPLOAD_BYTES", 10*1024*1024), // 10MB

		QueueRedisURL:     queueURL,
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		URLConcurrency:    getEnvAsInt("URL_CONCURRENCY", 1),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),

		FetchTimeout:  getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
		UploadTimeout: getEnvAsDuration("UPLOAD_TIMEOUT", 30*time.Second),
		MaxImageBytes: getEnvAsInt64("MAX_IMAGE_BYTES", 25*1024*1024),
		JPEGQuality:   getEnvAsInt("JPEG_QUALITY", 50),

		StoreBackend:       getEnv("STORE_BACKEND", StoreRedis),
		StoreRedisURL:      getEnv("STORE_REDIS_URL", queueURL),
		RecordTTLHours:     getEnvAsInt("RECORD_TTL_HOURS", 0),
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "process_image"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "process_image"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		Publisher:       getEnv("PUBLISHER", PublisherLocal),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Key:           getEnv("S3_KEY", ""),
		S3Secret:        getEnv("S3_SECRET", ""),
		S3Region:        getEnv("S3_REGION", getEnv("REGION_NAME", "")),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3PublicBaseURL: strings.TrimRight(getEnv("S3_PUBLIC_BASE_URL", getEnv("S3_LOCATION", "")), "/"),
		S3PresignExpiry: getEnvAsDuration("S3_PRESIGN_EXPIRY", 60*time.Second),
		LocalPublishDir: getEnv("LOCAL_PUBLISH_DIR", "./data"),
		PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),

		LogFile:           getEnv("LOG_FILE", ""),
		LogLevel:          ParseLogLevel(getEnv("LOG_LEVEL", "INFO")),
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value: %v)", e.Field(), e.Tag(), e.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Publisher {
	case PublisherS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when PUBLISHER=s3")
		}
		if c.S3Region == "" {
			return fmt.Errorf("S3_REGION is required when PUBLISHER=s3")
		}
		if c.S3PublicBaseURL == "" {
			return fmt.Errorf("S3_PUBLIC_BASE_URL is required when PUBLISHER=s3")
		}
	case PublisherLocal:
		if c.LocalPublishDir == "" {
			return fmt.Errorf("LOCAL_PUBLISH_DIR is required when PUBLISHER=local")
		}
	}

	if c.StoreBackend == StoreSurrealDB && c.SurrealDBURL == "" {
		return fmt.Errorf("SURREALDB_URL is required when STORE_BACKEND=surrealdb")
	}
	if c.StoreBackend == StoreRedis && c.StoreRedisURL == "" {
		return fmt.Errorf("STORE_REDIS_URL is required when STORE_BACKEND=redis")
	}

	// メモリストアは単一プロセスでしか共有できない
	if c.GinMode == "release" && c.StoreBackend == StoreMemory {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed in release mode")
	}

	return nil
}

// RecordTTL はジョブ/アイテムレコードの保持期間を返します。
func (c *Config) RecordTTL() time.Duration {
	return time.Duration(c.RecordTTLHours) * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "30s" や "5m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
