package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/shubham-635/imageProcessing/internal/jobs"
)

const maxUpdateRetries = 10

// ErrConflict は同じジョブへの同時更新が競合したことを表します。
var ErrConflict = errors.New("concurrent update conflict")

type jobRow struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	ItemCount int             `json:"item_count"`
	Summary   *jobs.Summary   `json:"summary,omitempty"`
	Error     *jobs.ErrorInfo `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r jobRow) toJob() *jobs.Job {
	return &jobs.Job{
		ID:        r.RequestID,
		Status:    jobs.Status(r.Status),
		ItemCount: r.ItemCount,
		Summary:   r.Summary,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type itemRow struct {
	ItemID     string           `json:"item_id"`
	RequestID  string           `json:"request_id"`
	Row        int              `json:"row_index"`
	SerialNo   string           `json:"serial_no"`
	Name       string           `json:"name"`
	InputURLs  []string         `json:"input_urls"`
	OutputURLs []jobs.OutputURL `json:"output_urls"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (r itemRow) toItem() jobs.Item {
	item := jobs.Item{
		ID:         r.ItemID,
		RequestID:  r.RequestID,
		Row:        r.Row,
		SerialNo:   r.SerialNo,
		Name:       r.Name,
		InputURLs:  r.InputURLs,
		OutputURLs: r.OutputURLs,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if item.InputURLs == nil {
		item.InputURLs = []string{}
	}
	if item.OutputURLs == nil {
		item.OutputURLs = []jobs.OutputURL{}
	}
	return item
}

var _ jobs.Store = (*SurrealStore)(nil)

// SurrealStore は jobs.Store を SurrealDB の requests / items テーブルで実装します。
type SurrealStore struct {
	client *Client
}

// NewSurrealStore は SurrealStore を作成します。
func NewSurrealStore(client *Client) *SurrealStore {
	return &SurrealStore{client: client}
}

func (s *SurrealStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := surrealdb.Query[any](ctx, s.client.db, `
		CREATE type::record("requests", $id) SET
			request_id = $id,
			status = $status,
			item_count = $item_count,
			summary = $summary,
			error = $error,
			created_at = type::datetime($created_at),
			updated_at = type::datetime($updated_at)
	`, jobVars(job))
	if err != nil {
		if isAlreadyExists(err) {
			return fmt.Errorf("%w: request %s", jobs.ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *SurrealStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty request id", jobs.ErrNotFound)
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.client.db,
		`SELECT * FROM type::record("requests", $id)`,
		map[string]any{"id": id},
	)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: request %s", jobs.ErrNotFound, id)
	}
	return (*results)[0].Result[0].toJob(), nil
}

// UpdateJob は updated_at を条件にした楽観ロックで更新し、競合時は再試行します。
func (s *SurrealStore) UpdateJob(ctx context.Context, id string, mutate func(*jobs.Job) error) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		previous := job.UpdatedAt
		if err := mutate(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		vars := jobVars(job)
		vars["previous"] = previous.Format(time.RFC3339Nano)
		results, err := surrealdb.Query[[]jobRow](ctx, s.client.db, `
			UPDATE type::record("requests", $id) SET
				status = $status,
				item_count = $item_count,
				summary = $summary,
				error = $error,
				updated_at = type::datetime($updated_at)
			WHERE updated_at = type::datetime($previous)
		`, vars)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: request %s", ErrConflict, id)
}

func (s *SurrealStore) InsertItem(ctx context.Context, item *jobs.Item) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}
	if item.ID == "" || item.RequestID == "" {
		return fmt.Errorf("item.ID and item.RequestID are required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.CreatedAt

	outputs := make([]map[string]any, 0, len(item.OutputURLs))
	for _, out := range item.OutputURLs {
		outputs = append(outputs, map[string]any{
			"url":        out.URL,
			"status":     string(out.Status),
			"error_kind": string(out.ErrorKind),
			"error":      out.Error,
		})
	}
	inputs := item.InputURLs
	if inputs == nil {
		inputs = []string{}
	}

	_, err := surrealdb.Query[any](ctx, s.client.db, `
		CREATE type::record("items", $id) SET
			item_id = $id,
			request_id = $request_id,
			row_index = $row,
			serial_no = $serial_no,
			name = $name,
			input_urls = $input_urls,
			output_urls = $output_urls,
			created_at = type::datetime($created_at),
			updated_at = type::datetime($created_at)
	`, map[string]any{
		"id":          item.ID,
		"request_id":  item.RequestID,
		"row":         item.Row,
		"serial_no":   item.SerialNo,
		"name":        item.Name,
		"input_urls":  inputs,
		"output_urls": outputs,
		"created_at":  item.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *SurrealStore) ListItems(ctx context.Context, requestID string) ([]jobs.Item, error) {
	results, err := surrealdb.Query[[]itemRow](ctx, s.client.db,
		`SELECT * FROM items WHERE request_id = $request_id ORDER BY row_index ASC`,
		map[string]any{"request_id": requestID},
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := []jobs.Item{}
	if results == nil || len(*results) == 0 {
		return items, nil
	}
	for _, row := range (*results)[0].Result {
		items = append(items, row.toItem())
	}
	return items, nil
}

func jobVars(job *jobs.Job) map[string]any {
	vars := map[string]any{
		"id":         job.ID,
		"status":     string(job.Status),
		"item_count": job.ItemCount,
		"summary":    nil,
		"error":      nil,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.Summary != nil {
		vars["summary"] = map[string]any{
			"items":     job.Summary.Items,
			"urls":      job.Summary.URLs,
			"published": job.Summary.Published,
			"failed":    job.Summary.Failed,
		}
	}
	if job.Error != nil {
		vars["error"] = map[string]any{
			"code":    job.Error.Code,
			"message": job.Error.Message,
		}
	}
	return vars
}

func isAlreadyExists(err error) bool {
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		return strings.Contains(queryErr.Message, "already exists")
	}
	return strings.Contains(err.Error(), "already exists")
}
