package main

import (
	"path/filepath"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/shubham-635/imageProcessing/internal/api"
	"github.com/shubham-635/imageProcessing/internal/config"
	"github.com/shubham-635/imageProcessing/internal/publish"
)

// setupRoutes はミドルウェアとエンドポイントを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, a *app) {
	corsConfig := cors.DefaultConfig()
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", api.HealthHandler(Version))
	router.GET("/stats", api.StatsHandler(a.collector))

	router.POST("/upload", api.UploadHandler(a.service, api.UploadOptions{
		MaxUploadBytes: cfg.MaxUploadBytes,
	}))
	router.GET("/status/:request_id", api.StatusHandler(a.service))

	// ローカル公開の成果物はこのプロセスが配信する
	if a.localDir != "" {
		router.Static("/"+publish.Prefix, filepath.Join(a.localDir, publish.Prefix))
	}
}
