// Package db は SurrealDB をジョブ/アイテムの保存先として使うための接続とストアを提供します。
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WSS の WebSocket アップグレードは HTTP/1.1 が必要
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

const (
	reconnectInterval = 5 * time.Second
	maxReconnects     = 10
)

// Config は SurrealDB の接続設定です。
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" または "database"
}

// Client は自動再接続付きの SurrealDB 接続です。
type Client struct {
	conn *rews.Connection[*gorillaws.Connection]
	db   *surrealdb.DB
	log  *slog.Logger
	url  string
}

// NewClient は接続・認証・名前空間の選択まで行った Client を返します。
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	conn := dial(cfg.URL, logger.New(log.Handler()))
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err == nil {
		err = authenticate(ctx, db, cfg)
	}
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	log.Info("connected to SurrealDB", "url", cfg.URL, "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, log: log, url: cfg.URL}, nil
}

// dial は再接続付きの接続を組み立てます。接続はまだ開きません。
func dial(rawURL string, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	// gorillaws が /rpc を付与する
	baseURL := strings.TrimSuffix(rawURL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		reconnectInterval,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = maxReconnects
	conn.Retryer = retryer
	return conn
}

// authenticate はサインインして名前空間とデータベースを選択します。
func authenticate(ctx context.Context, db *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("signin as %s user: %w", cfg.AuthLevel, err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	return nil
}

// Close は接続を閉じます。
func (c *Client) Close(ctx context.Context) error {
	if err := c.conn.Close(ctx); err != nil {
		return fmt.Errorf("close surrealdb connection: %w", err)
	}
	c.log.Info("SurrealDB connection closed", "url", c.url)
	return nil
}

// InitSchema はテーブルとインデックスを定義します。何度実行しても同じ結果になります。
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, schemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

const schemaSQL = `
DEFINE TABLE IF NOT EXISTS requests SCHEMALESS;
DEFINE TABLE IF NOT EXISTS items SCHEMALESS;
DEFINE INDEX IF NOT EXISTS items_request_row ON items FIELDS request_id, row_index;
`
