package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubham-635/imageProcessing/internal/config"
)

type fakeRunner struct {
	calls     int
	requestID string
	items     []ItemInput
	err       error
}

func (r *fakeRunner) Run(ctx context.Context, requestID string, items []ItemInput) error {
	r.calls++
	r.requestID = requestID
	r.items = items
	return r.err
}

func newTestManager(store Store, runner Runner) *Manager {
	return &Manager{
		store:  store,
		runner: runner,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTask(t *testing.T, payload TaskPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(taskTypeImages, body)
}

func TestHandleImagesTaskRunsPipeline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "req-1", Status: StatusProcessing}))

	runner := &fakeRunner{}
	m := newTestManager(store, runner)

	items := []ItemInput{{Row: 0, SerialNo: "1", Name: "Widget", InputURLs: []string{"https://example.com/a.png"}}}
	err := m.handleImagesTask(ctx, newTask(t, TaskPayload{RequestID: "req-1", Items: items}))
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, "req-1", runner.requestID)
	assert.Equal(t, items, runner.items)
}

func TestHandleImagesTaskSkipsFinishedJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "req-1", Status: StatusCompleted}))

	runner := &fakeRunner{}
	m := newTestManager(store, runner)

	require.NoError(t, m.handleImagesTask(ctx, newTask(t, TaskPayload{RequestID: "req-1"})))
	assert.Zero(t, runner.calls)
}

func redelivered(ctx context.Context) (int, bool) { return 1, true }

func TestHandleImagesTaskFailsInterruptedJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "req-1", Status: StatusProcessing}))

	runner := &fakeRunner{}
	m := newTestManager(store, runner)
	m.retryCount = redelivered

	require.NoError(t, m.handleImagesTask(ctx, newTask(t, TaskPayload{RequestID: "req-1"})))
	assert.Zero(t, runner.calls)

	job, err := store.GetJob(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, CodeWorkerLost, job.Error.Code)
}

func TestHandleImagesTaskRedeliveryOfFinishedJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "req-1", Status: StatusProcessing}))
	require.NoError(t, store.UpdateJob(ctx, "req-1", func(j *Job) error { return j.Fail("JOB_TIMEOUT", "deadline") }))

	m := newTestManager(store, &fakeRunner{})
	m.retryCount = redelivered

	require.NoError(t, m.handleImagesTask(ctx, newTask(t, TaskPayload{RequestID: "req-1"})))
	job, err := store.GetJob(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "JOB_TIMEOUT", job.Error.Code)
}

func TestHandleImagesTaskPropagatesRunnerError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &Job{ID: "req-1", Status: StatusProcessing}))

	boom := errors.New("boom")
	m := newTestManager(store, &fakeRunner{err: boom})

	err := m.handleImagesTask(ctx, newTask(t, TaskPayload{RequestID: "req-1"}))
	assert.ErrorIs(t, err, boom)
}

func TestHandleImagesTaskRejectsBadPayload(t *testing.T) {
	m := newTestManager(NewMemoryStore(), &fakeRunner{})

	err := m.handleImagesTask(context.Background(), asynq.NewTask(taskTypeImages, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleImagesTask(context.Background(), newTask(t, TaskPayload{}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	cfg := &config.Config{QueueRedisURL: "redis://127.0.0.1:6379/0", WorkerConcurrency: 1}

	_, err := NewManager(nil, NewMemoryStore(), &fakeRunner{}, nil)
	assert.Error(t, err)
	_, err = NewManager(cfg, nil, &fakeRunner{}, nil)
	assert.Error(t, err)
	_, err = NewManager(cfg, NewMemoryStore(), nil, nil)
	assert.Error(t, err)
	_, err = NewManager(&config.Config{QueueRedisURL: "://bad"}, NewMemoryStore(), &fakeRunner{}, nil)
	assert.Error(t, err)
}

func TestAsynqLogLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, asynqLogLevel(slog.LevelDebug))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel(slog.LevelInfo))
	assert.Equal(t, asynq.WarnLevel, asynqLogLevel(slog.LevelWarn))
	assert.Equal(t, asynq.ErrorLevel, asynqLogLevel(slog.LevelError))
}

// completingRunner はジョブを Completed にし、同時実行数の最大値を記録します。
type completingRunner struct {
	store    Store
	delay    time.Duration
	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	done     chan string
}

func (r *completingRunner) Run(ctx context.Context, requestID string, items []ItemInput) error {
	r.calls.Add(1)
	n := r.inflight.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(r.delay)
	r.inflight.Add(-1)

	err := r.store.UpdateJob(ctx, requestID, func(j *Job) error {
		j.Summary = &Summary{Items: len(items)}
		return j.Transition(StatusCompleted)
	})
	r.done <- requestID
	return err
}

func TestManagerSchedulesAndRunsJobs(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	store := NewMemoryStore()
	runner := &completingRunner{store: store, delay: 100 * time.Millisecond, done: make(chan string, 4)}
	cfg := &config.Config{
		QueueRedisURL:     "redis://" + addr + "/0",
		WorkerConcurrency: 1,
		JobTimeout:        time.Minute,
		LogLevel:          slog.LevelWarn,
	}
	m, err := NewManager(cfg, store, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ids := []string{"req-a", "req-b"}
	for _, id := range ids {
		require.NoError(t, store.CreateJob(ctx, &Job{ID: id, Status: StatusProcessing}))
		require.NoError(t, m.Schedule(ctx, id, []ItemInput{{Row: 0, Name: "Widget"}}))
	}

	// 同じリクエストIDは二重に投入できない
	err = m.Schedule(ctx, "req-a", nil)
	assert.ErrorIs(t, err, asynq.ErrTaskIDConflict)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: addr})
	t.Cleanup(func() { _ = inspector.Close() })
	info, err := inspector.GetTaskInfo(queueImages, "req-a")
	require.NoError(t, err)
	assert.Equal(t, taskTypeImages, info.Type)
	assert.Equal(t, maxTaskRetry, info.MaxRetry)
	assert.Equal(t, time.Minute, info.Timeout)

	require.NoError(t, m.StartWorkers())
	for range ids {
		select {
		case <-runner.done:
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for jobs to run")
		}
	}

	assert.EqualValues(t, 2, runner.calls.Load())
	assert.EqualValues(t, 1, runner.peak.Load())
	for _, id := range ids {
		job, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
	}
}
