package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shubham-635/imageProcessing/internal/jobs"
	"github.com/shubham-635/imageProcessing/internal/metrics"
)

// ジョブ失敗時のエラーコード
const (
	CodeTimeout  = "JOB_TIMEOUT"
	CodeCanceled = "JOB_CANCELED"
	CodeInternal = "INTERNAL_ERROR"
)

const failWriteTimeout = 10 * time.Second

// Pipeline は1ジョブ分のアイテムを順に処理し、ジョブを終端状態にします。
type Pipeline struct {
	store   jobs.Store
	items   *ItemProcessor
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New は Pipeline を作成します。
func New(store jobs.Store, items *ItemProcessor, collector *metrics.Collector, logger *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if items == nil {
		return nil, errors.New("item processor is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   store,
		items:   items,
		metrics: collector,
		logger:  logger,
	}, nil
}

// Run はアイテムを入力順に処理し、ジョブを Completed にします。
// 保存の失敗、期限切れ、panic の場合はジョブを Failed にしてエラーを返します。
func (p *Pipeline) Run(ctx context.Context, requestID string, items []jobs.ItemInput) (err error) {
	start := time.Now()
	logger := p.logger.With("request_id", requestID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing request %s: %v", requestID, r)
			p.fail(ctx, requestID, CodeInternal, err)
		}
		p.metrics.Since(metrics.OpJob, start, err)
	}()

	summary := jobs.Summary{Items: len(items)}
	for _, in := range items {
		item, err := p.items.Process(ctx, requestID, in)
		if err != nil {
			p.fail(ctx, requestID, failureCode(err), err)
			return err
		}
		summary.Add(item)
		logger.Debug("item processed", "row", in.Row, "urls", len(in.InputURLs))
	}

	if err := p.store.UpdateJob(ctx, requestID, func(job *jobs.Job) error {
		if err := job.Transition(jobs.StatusCompleted); err != nil {
			return err
		}
		job.Summary = &summary
		job.Error = nil
		return nil
	}); err != nil {
		err = fmt.Errorf("complete request %s: %w", requestID, err)
		p.fail(ctx, requestID, failureCode(err), err)
		return err
	}

	logger.Info("job finished",
		"items", summary.Items,
		"urls", summary.URLs,
		"published", summary.Published,
		"failed", summary.Failed,
	)
	return nil
}

// fail はジョブを Failed にします。ctx が終了していても書き込めるよう、期限を切り離します。
func (p *Pipeline) fail(ctx context.Context, requestID, code string, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	err := p.store.UpdateJob(writeCtx, requestID, func(job *jobs.Job) error {
		return job.Fail(code, cause.Error())
	})
	if err != nil {
		p.logger.Error("failed to mark job as failed", "request_id", requestID, "code", code, "cause", cause, "error", err)
		return
	}
	p.logger.Error("job failed", "request_id", requestID, "code", code, "error", cause)
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
