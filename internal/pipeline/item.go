// Package pipeline は1ジョブ分のアイテムを取得・変換・公開し、結果を保存します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-635/imageProcessing/internal/jobs"
	"github.com/shubham-635/imageProcessing/internal/metrics"
	"github.com/shubham-635/imageProcessing/internal/publish"
)

// Transcoder は画像URLを取得して JPEG に変換します。
type Transcoder interface {
	Transcode(ctx context.Context, url string) ([]byte, error)
}

// Publisher は変換済み画像を公開し、公開URLを返します。
type Publisher interface {
	Publish(ctx context.Context, payload []byte, name string) (string, error)
}

// ItemWriter はアイテムを保存します。
type ItemWriter interface {
	InsertItem(ctx context.Context, item *jobs.Item) error
}

// ItemOptions は ItemProcessor の設定です。
type ItemOptions struct {
	// URLConcurrency は1アイテム内で同時に処理するURL数です。1以下は逐次処理。
	URLConcurrency int
	FetchTimeout   time.Duration
	UploadTimeout  time.Duration
	Metrics        *metrics.Collector
	Logger         *slog.Logger
	// NewObjectName は公開名の生成関数です。nil の場合は publish.NewObjectName。
	NewObjectName func() string
}

// ItemProcessor は1行分の全URLを処理し、アイテムを1件保存します。
type ItemProcessor struct {
	transcoder    Transcoder
	publisher     Publisher
	store         ItemWriter
	concurrency   int
	fetchTimeout  time.Duration
	uploadTimeout time.Duration
	metrics       *metrics.Collector
	logger        *slog.Logger
	newName       func() string
}

// NewItemProcessor は ItemProcessor を作成します。
func NewItemProcessor(transcoder Transcoder, publisher Publisher, store ItemWriter, opts ItemOptions) (*ItemProcessor, error) {
	if transcoder == nil {
		return nil, errors.New("transcoder is nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	concurrency := opts.URLConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newName := opts.NewObjectName
	if newName == nil {
		newName = publish.NewObjectName
	}
	return &ItemProcessor{
		transcoder:    transcoder,
		publisher:     publisher,
		store:         store,
		concurrency:   concurrency,
		fetchTimeout:  opts.FetchTimeout,
		uploadTimeout: opts.UploadTimeout,
		metrics:       opts.Metrics,
		logger:        logger,
		newName:       newName,
	}, nil
}

// Process は in の全URLを処理し、結果をアイテムとして保存します。
// URLごとの失敗は OutputURL に記録され、エラーとしては返りません。
// 返るのは保存の失敗、コンテキストの終了、panic のみです。
func (p *ItemProcessor) Process(ctx context.Context, requestID string, in jobs.ItemInput) (*jobs.Item, error) {
	start := time.Now()
	inputs := in.InputURLs
	if inputs == nil {
		inputs = []string{}
	}

	// 完了順に関係なく outputs[i] は inputs[i] に対応する
	outputs := make([]jobs.OutputURL, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, src := range inputs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic while processing %s: %v", src, r)
				}
			}()
			outputs[i] = p.processURL(gctx, requestID, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.metrics.Since(metrics.OpItem, start, err)
		return nil, fmt.Errorf("process row %d: %w", in.Row, err)
	}

	if err := ctx.Err(); err != nil {
		p.metrics.Since(metrics.OpItem, start, err)
		return nil, fmt.Errorf("process row %d: %w", in.Row, err)
	}

	now := time.Now().UTC()
	item := &jobs.Item{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Row:        in.Row,
		SerialNo:   in.SerialNo,
		Name:       in.Name,
		InputURLs:  append([]string{}, inputs...),
		OutputURLs: outputs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.InsertItem(ctx, item); err != nil {
		p.metrics.Since(metrics.OpItem, start, err)
		return nil, fmt.Errorf("persist row %d: %w", in.Row, err)
	}
	p.metrics.Since(metrics.OpItem, start, nil)
	return item, nil
}

func (p *ItemProcessor) processURL(ctx context.Context, requestID, src string) jobs.OutputURL {
	logger := p.logger.With("request_id", requestID, "url", src)

	start := time.Now()
	fetchCtx, cancel := withTimeout(ctx, p.fetchTimeout)
	payload, err := p.transcoder.Transcode(fetchCtx, src)
	cancel()
	p.metrics.Since(metrics.OpTranscode, start, err)
	if err != nil {
		logger.Warn("transcode failed", "error", err)
		return jobs.FailedOutput(jobs.FailureTranscode, err)
	}

	name := p.newName()
	start = time.Now()
	uploadCtx, cancel := withTimeout(ctx, p.uploadTimeout)
	url, err := p.publisher.Publish(uploadCtx, payload, name)
	cancel()
	if err == nil && url == "" {
		err = &publish.Error{Name: name, Err: errors.New("publisher returned an empty url")}
	}
	p.metrics.Since(metrics.OpPublish, start, err)
	if err != nil {
		logger.Warn("publish failed", "name", name, "error", err)
		return jobs.FailedOutput(jobs.FailurePublish, err)
	}

	logger.Debug("image published", "output", url, "bytes", len(payload))
	return jobs.PublishedOutput(url)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
