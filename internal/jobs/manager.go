package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"

	"github.com/shubham-635/imageProcessing/internal/config"
)

const (
	taskTypeImages = "images:process"
	queueImages    = "images"

	// 中断されたタスクは1度だけ再配信され、その配信でジョブを Failed にする
	maxTaskRetry = 1
)

// CodeWorkerLost は処理中にワーカーが停止したジョブのエラーコードです。
const CodeWorkerLost = "WORKER_LOST"

// Runner は1ジョブ分のアイテムを処理します。
// 失敗時はジョブを Failed にしたうえでエラーを返します。
type Runner interface {
	Run(ctx context.Context, requestID string, items []ItemInput) error
}

// Manager はジョブの投入とワーカーの実行を担います。
type Manager struct {
	client     *asynq.Client
	server     *asynq.Server
	mux        *asynq.ServeMux
	store      Store
	runner     Runner
	jobTimeout time.Duration
	logger     *slog.Logger
	// retryCount はタスクの再配信回数を返します。nil の場合は asynq.GetRetryCount。
	retryCount func(context.Context) (int, bool)
}

// TaskPayload は画像処理ジョブのペイロードです。
type TaskPayload struct {
	RequestID string      `json:"request_id"`
	Items     []ItemInput `json:"items"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, runner Runner, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	manager := &Manager{
		client:     client,
		store:      store,
		runner:     runner,
		jobTimeout: cfg.JobTimeout,
		logger:     logger,
		retryCount: asynq.GetRetryCount,
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueImages: 1,
			},
			Logger:       newAsynqLogger(logger),
			LogLevel:     asynqLogLevel(cfg.LogLevel),
			ErrorHandler: asynq.ErrorHandlerFunc(manager.reportTaskError),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeImages, manager.handleImagesTask)
	manager.server = server
	manager.mux = mux
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
// シグナル処理は呼び出し側が行い、停止は Shutdown で行います。
func (m *Manager) StartWorkers() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Schedule はジョブをキューに投入します。ジョブの状態は呼び出し側が管理します。
// タスクIDにリクエストIDを使うため、同じジョブの二重投入は拒否されます。
func (m *Manager) Schedule(ctx context.Context, requestID string, items []ItemInput) error {
	if requestID == "" {
		return fmt.Errorf("requestID is required")
	}
	if items == nil {
		items = []ItemInput{}
	}

	body, err := json.Marshal(&TaskPayload{
		RequestID: requestID,
		Items:     items,
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeImages, body, asynq.Queue(queueImages))
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.TaskID(requestID),
		asynq.MaxRetry(maxTaskRetry),
		asynq.Timeout(m.jobTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue request %s: %w", requestID, err)
	}
	m.logger.Info("job enqueued", "request_id", requestID, "task_id", info.ID, "items", len(items))
	return nil
}

func (m *Manager) handleImagesTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RequestID == "" {
		return fmt.Errorf("missing request_id in payload: %w", asynq.SkipRetry)
	}

	logger := m.logger.With("request_id", payload.RequestID)
	job, err := m.store.GetJob(ctx, payload.RequestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if job.Status.Terminal() {
		logger.Warn("job already finished, skipping", "status", job.Status)
		return nil
	}

	// 再配信はワーカーが途中で止まったことを意味する。アイテムは追記のみなので再実行せず閉じる
	if m.redelivered(ctx) {
		logger.Warn("job was interrupted, marking as failed", "status", job.Status)
		if err := m.store.UpdateJob(ctx, payload.RequestID, func(job *Job) error {
			return job.Fail(CodeWorkerLost, "worker stopped before the job finished")
		}); err != nil {
			return fmt.Errorf("fail interrupted request: %w", err)
		}
		return nil
	}

	logger.Info("job started", "items", len(payload.Items))
	start := time.Now()
	if err := m.runner.Run(ctx, payload.RequestID, payload.Items); err != nil {
		logger.Error("job failed", "error", err, "elapsed", time.Since(start))
		return err
	}
	logger.Info("job completed", "elapsed", time.Since(start))
	return nil
}

func (m *Manager) redelivered(ctx context.Context) bool {
	retryCount := m.retryCount
	if retryCount == nil {
		retryCount = asynq.GetRetryCount
	}
	n, ok := retryCount(ctx)
	return ok && n > 0
}

// reportTaskError は失敗したタスクを Sentry に送ります。SDK 未初期化の場合は何もしません。
func (m *Manager) reportTaskError(ctx context.Context, task *asynq.Task, err error) {
	var payload TaskPayload
	_ = json.Unmarshal(task.Payload(), &payload)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_type", task.Type())
		if payload.RequestID != "" {
			scope.SetTag("request_id", payload.RequestID)
		}
		sentry.CaptureException(err)
	})
}
