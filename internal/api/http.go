// Package api は画像処理ジョブの HTTP ハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/shubham-635/imageProcessing/internal/batch"
	"github.com/shubham-635/imageProcessing/internal/jobs"
	"github.com/shubham-635/imageProcessing/internal/metrics"
)

// アップロードファイルのフォームフィールド名（先頭を優先）
var uploadFields = []string{"file", "csv_file", "files"}

// Service はアップロードの受け付けと状態照会を提供します。
type Service interface {
	Submit(ctx context.Context, r io.Reader) (string, error)
	Status(ctx context.Context, requestID string) (*batch.StatusReport, error)
}

// UploadOptions はアップロードハンドラーの設定です。
type UploadOptions struct {
	MaxUploadBytes int64
}

// compressedImage は状態照会レスポンスの1行分です。
type compressedImage struct {
	SerialNo   string           `json:"serial_no"`
	Name       string           `json:"name"`
	InputURLs  []string         `json:"input_urls"`
	OutputURLs []jobs.OutputURL `json:"output_urls"`
}

// UploadHandler は POST /upload のハンドラーを返します。
func UploadHandler(svc Service, opts UploadOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.MaxUploadBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "send the CSV file as multipart/form-data",
			})
			return
		}
		defer form.RemoveAll()

		fh, err := extractUpload(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		file, err := fh.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		if err := checkTextUpload(file); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		requestID, err := svc.Submit(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"request_id": requestID})
	}
}

// StatusHandler は GET /status/:request_id のハンドラーを返します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.Param("request_id"))
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "request_id is required",
			})
			return
		}

		report, err := svc.Status(c.Request.Context(), requestID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		images := make([]compressedImage, 0, len(report.Items))
		for _, item := range report.Items {
			images = append(images, compressedImage{
				SerialNo:   item.SerialNo,
				Name:       item.Name,
				InputURLs:  item.InputURLs,
				OutputURLs: item.OutputURLs,
			})
		}

		job := report.Job
		payload := gin.H{
			"request_id":        job.ID,
			"status":            job.Status,
			"created_at":        job.CreatedAt,
			"updated_at":        job.UpdatedAt,
			"compressed_images": images,
		}
		if job.Summary != nil {
			payload["summary"] = job.Summary
		}
		if job.Error != nil {
			payload["error"] = job.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}

// HealthHandler はヘルスチェックエンドポイントのハンドラーです。
func HealthHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "image-processing-api",
			"version": version,
		})
	}
}

// StatsHandler は処理統計を返します。
func StatsHandler(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, collector.Snapshot())
	}
}

func extractUpload(form *multipart.Form) (*multipart.FileHeader, error) {
	for _, field := range uploadFields {
		if files := form.File[field]; len(files) > 0 {
			if len(files) > 1 {
				return nil, fmt.Errorf("upload exactly one CSV file, got %d", len(files))
			}
			return files[0], nil
		}
	}
	return nil, errors.New("no CSV file found in the upload")
}

// checkTextUpload は内容を判定し、テキスト以外のファイルを拒否します。読み取り位置は先頭に戻します。
func checkTextUpload(file multipart.File) error {
	mt, err := mimetype.DetectReader(file)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return fmt.Errorf("upload must be a CSV file, got %s", mt.String())
}

func respondWithError(c *gin.Context, err error) {
	var invalid *batch.InvalidInputError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": invalid.Error(),
		})
	case errors.As(err, &maxErr):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit),
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "REQUEST_NOT_FOUND",
			"message": "request not found",
		})
	case errors.Is(err, batch.ErrScheduleFailed):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "the job queue is unavailable, try again later",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "the request was canceled",
		})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}
