package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config は S3 互換ストレージへの公開設定です。
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // 空の場合は AWS の既定エンドポイント
	PublicBaseURL   string
	PresignExpiry   time.Duration
	ContentType     string

	MaxRetries     int
	RetryBaseDelay time.Duration
}

// S3Publisher は署名付きURLへの PUT でオブジェクトを公開します。
type S3Publisher struct {
	bucket        string
	publicBaseURL string
	contentType   string

	maxRetries     int
	retryBaseDelay time.Duration

	presigner *s3.PresignClient
	client    *http.Client
	logger    *slog.Logger
}

// NewS3Publisher は S3Publisher を作成します。httpClient が nil の場合は既定のクライアントを使います。
func NewS3Publisher(ctx context.Context, cfg S3Config, httpClient *http.Client, logger *slog.Logger) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("public base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 60 * time.Second
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = 300 * time.Millisecond
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &S3Publisher{
		bucket:         cfg.Bucket,
		publicBaseURL:  cfg.PublicBaseURL,
		contentType:    contentType,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: retryBaseDelay,
		presigner:      s3.NewPresignClient(client, s3.WithPresignExpires(expiry)),
		client:         httpClient,
		logger:         logger,
	}, nil
}

// Publish は payload を name で公開し、公開URLを返します。失敗した場合は *Error を返します。
func (p *S3Publisher) Publish(ctx context.Context, payload []byte, name string) (string, error) {
	key, err := cleanName(name)
	if err != nil {
		return "", &Error{Name: name, Err: err}
	}

	attempt := 0
	for {
		attempt++
		retryable, err := p.put(ctx, payload, key)
		if err == nil {
			return joinURL(p.publicBaseURL, key), nil
		}
		if !retryable || attempt > p.maxRetries {
			return "", &Error{Name: key, Err: err}
		}

		backoff := p.retryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Warn("upload failed, retrying", "key", key, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return "", &Error{Name: key, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}
}

// put は1回分のアップロードを行います。戻り値の bool は再試行可能かどうかです。
func (p *S3Publisher) put(ctx context.Context, payload []byte, key string) (bool, error) {
	presigned, err := p.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(p.contentType),
	})
	if err != nil {
		return false, fmt.Errorf("presign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, presigned.Method, presigned.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	for k, values := range presigned.SignedHeader {
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", p.contentType)
	req.ContentLength = int64(len(payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode >= 500, fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return false, nil
}
