package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shubham-635/imageProcessing/internal/jobs"
)

// newTestStore は SurrealDB コンテナを起動して SurrealStore を返します。
func newTestStore(t *testing.T) *SurrealStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping SurrealDB container test in short mode")
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("SurrealDB container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(ctx) })
	require.NoError(t, client.InitSchema(ctx))

	return NewSurrealStore(client)
}

// wipe は全レコードを削除します。
func wipe(ctx context.Context, s *SurrealStore) error {
	for _, table := range []string{"items", "requests"} {
		if _, err := surrealdb.Query[any](ctx, s.client.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func TestSurrealStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("job lifecycle", func(t *testing.T) {
		require.NoError(t, wipe(ctx, store))
		require.NoError(t, store.CreateJob(ctx, &jobs.Job{ID: "req-1", Status: jobs.StatusPending}))

		err := store.CreateJob(ctx, &jobs.Job{ID: "req-1", Status: jobs.StatusPending})
		assert.True(t, errors.Is(err, jobs.ErrAlreadyExists))

		require.NoError(t, store.UpdateJob(ctx, "req-1", func(j *jobs.Job) error {
			j.ItemCount = 2
			return j.Transition(jobs.StatusProcessing)
		}))
		require.NoError(t, store.UpdateJob(ctx, "req-1", func(j *jobs.Job) error {
			j.Summary = &jobs.Summary{Items: 2, URLs: 3, Published: 2, Failed: 1}
			return j.Transition(jobs.StatusCompleted)
		}))

		job, err := store.GetJob(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "req-1", job.ID)
		assert.Equal(t, jobs.StatusCompleted, job.Status)
		assert.Equal(t, 2, job.ItemCount)
		require.NotNil(t, job.Summary)
		assert.Equal(t, 1, job.Summary.Failed)

		err = store.UpdateJob(ctx, "req-1", func(j *jobs.Job) error { return j.Transition(jobs.StatusFailed) })
		assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := store.GetJob(ctx, "missing")
		assert.True(t, errors.Is(err, jobs.ErrNotFound))
	})

	t.Run("items ordered by row", func(t *testing.T) {
		require.NoError(t, wipe(ctx, store))
		require.NoError(t, store.CreateJob(ctx, &jobs.Job{ID: "req-2", Status: jobs.StatusProcessing}))
		for _, row := range []int{1, 0} {
			require.NoError(t, store.InsertItem(ctx, &jobs.Item{
				ID:        fmt.Sprintf("item-%d", row),
				RequestID: "req-2",
				Row:       row,
				Name:      fmt.Sprintf("product-%d", row),
				InputURLs: []string{"https://x/a.png"},
				OutputURLs: []jobs.OutputURL{
					jobs.FailedOutput(jobs.FailureTranscode, errors.New("unexpected status code: 404")),
				},
			}))
		}

		items, err := store.ListItems(ctx, "req-2")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "product-0", items[0].Name)
		assert.Equal(t, "item-1", items[1].ID)
		assert.Equal(t, jobs.FailureTranscode, items[0].OutputURLs[0].ErrorKind)
		assert.Equal(t, items[0].CreatedAt, items[0].UpdatedAt)
	})
}
