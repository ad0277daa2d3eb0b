package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shubham-635/imageProcessing/internal/jobs"
)

// ジョブ失敗時のエラーコード
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeEnqueueFailed = "ENQUEUE_FAILED"
	CodeInternal      = "INTERNAL_ERROR"
)

// ErrScheduleFailed はジョブをキューに投入できなかったことを表します。
var ErrScheduleFailed = errors.New("failed to schedule job")

const failWriteTimeout = 10 * time.Second

// Scheduler はジョブの非同期実行を予約します。
type Scheduler interface {
	Schedule(ctx context.Context, requestID string, items []jobs.ItemInput) error
}

// StatusReport はジョブとその処理済みアイテムです。
type StatusReport struct {
	Job   *jobs.Job
	Items []jobs.Item
}

// Service はCSVの受け付けと状態照会を行います。
type Service struct {
	store     jobs.Store
	scheduler Scheduler
	logger    *slog.Logger
}

// NewService は Service を作成します。
func NewService(store jobs.Store, scheduler Scheduler, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Submit はCSVを受け付けてジョブを作成し、処理を予約してジョブIDを返します。
// 処理の完了は待ちません。
func (s *Service) Submit(ctx context.Context, r io.Reader) (string, error) {
	requestID := uuid.NewString()
	if err := s.store.CreateJob(ctx, &jobs.Job{
		ID:     requestID,
		Status: jobs.StatusPending,
	}); err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	logger := s.logger.With("request_id", requestID)

	items, err := ParseCSV(r)
	if err != nil {
		s.fail(ctx, requestID, CodeInvalidInput, err)
		return "", err
	}

	if err := s.store.UpdateJob(ctx, requestID, func(job *jobs.Job) error {
		if err := job.Transition(jobs.StatusProcessing); err != nil {
			return err
		}
		job.ItemCount = len(items)
		return nil
	}); err != nil {
		s.fail(ctx, requestID, CodeInternal, err)
		return "", fmt.Errorf("start request: %w", err)
	}

	if err := s.scheduler.Schedule(ctx, requestID, items); err != nil {
		s.fail(ctx, requestID, CodeEnqueueFailed, err)
		return "", fmt.Errorf("%w: %v", ErrScheduleFailed, err)
	}

	logger.Info("upload accepted", "items", len(items))
	return requestID, nil
}

// Status はジョブと row 順のアイテムを返します。存在しない場合は jobs.ErrNotFound です。
func (s *Service) Status(ctx context.Context, requestID string) (*StatusReport, error) {
	job, err := s.store.GetJob(ctx, requestID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return &StatusReport{Job: job, Items: items}, nil
}

func (s *Service) fail(ctx context.Context, requestID, code string, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	if err := s.store.UpdateJob(writeCtx, requestID, func(job *jobs.Job) error {
		return job.Fail(code, cause.Error())
	}); err != nil {
		s.logger.Error("failed to mark job as failed", "request_id", requestID, "code", code, "error", err)
		return
	}
	s.logger.Warn("upload rejected", "request_id", requestID, "code", code, "error", cause)
}
