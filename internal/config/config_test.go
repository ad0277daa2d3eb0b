package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 50, cfg.JPEGQuality)
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.Equal(t, PublisherLocal, cfg.Publisher)
	assert.Equal(t, cfg.QueueRedisURL, cfg.StoreRedisURL)
	assert.Equal(t, 60*time.Second, cfg.S3PresignExpiry)
	assert.Equal(t, time.Duration(0), cfg.RecordTTL())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("JOB_TIMEOUT", "5m")
	t.Setenv("RECORD_TTL_HOURS", "24")
	t.Setenv("PUBLISHER", PublisherS3)
	t.Setenv("S3_BUCKET", "images")
	t.Setenv("REGION_NAME", "ap-south-1")
	t.Setenv("S3_LOCATION", "https://images.example.com/")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://localhost:9090", cfg.PublicBaseURL)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.RecordTTL())
	assert.Equal(t, "ap-south-1", cfg.S3Region)
	assert.Equal(t, "https://images.example.com", cfg.S3PublicBaseURL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("URL_CONCURRENCY", "many")
	t.Setenv("FETCH_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.URLConcurrency)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"s3 without bucket", map[string]string{"PUBLISHER": PublisherS3, "S3_REGION": "x", "S3_PUBLIC_BASE_URL": "https://x"}, "S3_BUCKET"},
		{"s3 without public url", map[string]string{"PUBLISHER": PublisherS3, "S3_BUCKET": "b", "S3_REGION": "x"}, "S3_PUBLIC_BASE_URL"},
		{"unknown store", map[string]string{"STORE_BACKEND": "mongo"}, "StoreBackend"},
		{"quality out of range", map[string]string{"JPEG_QUALITY": "150"}, "JPEGQuality"},
		{"memory store in release", map[string]string{"STORE_BACKEND": StoreMemory, "GIN_MODE": "release"}, "release mode"},
		{"zero workers", map[string]string{"WORKER_CONCURRENCY": "0"}, "WorkerConcurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel(" debug "))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("verbose"))
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var text, jsonOut bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &jsonOut, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job finished", "request_id", "req-1")

	assert.Contains(t, text.String(), "job finished")
	assert.NotContains(t, text.String(), "hidden")

	lines := strings.Split(strings.TrimSpace(jsonOut.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
}
