// Package main はAPIサーバーとワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/shubham-635/imageProcessing/internal/config"
)

// Version はビルド時に設定されます。
var Version = "0.1.0"

const shutdownTimeout = 30 * time.Second

var withWorkers bool

var rootCmd = &cobra.Command{
	Use:           "imageprocessing",
	Short:         "Batch image processing service",
	Long:          `CSV でアップロードされた商品画像を取得し、JPEG に圧縮して公開します。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (and workers unless --workers=false)",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start only the background workers",
	RunE:  runWorker,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorkers, "workers", true, "run background workers in the same process")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func main() {
	// サブコマンド省略時は serve として動かす
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap は設定・ロガー・Sentry を初期化します。戻り値の関数で後始末します。
func bootstrap() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
			Release:     Version,
		}); err != nil {
			logger.Warn("sentry init failed", "error", err)
		}
	}

	cleanup := func() {
		sentry.Flush(2 * time.Second)
		_ = closeLog()
	}
	return cfg, logger, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if withWorkers {
		if err := a.manager.StartWorkers(); err != nil {
			return err
		}
	}

	router := gin.Default()
	setupRoutes(router, cfg, a)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", httpServer.Addr, "mode", cfg.GinMode, "workers", withWorkers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting workers", "concurrency", cfg.WorkerConcurrency)
	if err := a.manager.StartWorkers(); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down workers...")
	return nil
}
