package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "request:"
	itemKeyPrefix = "item:"

	maxUpdateRetries = 10
)

var (
	// ErrNotFound はジョブが存在しないことを表します。
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists は同じIDのジョブが既に存在することを表します。
	ErrAlreadyExists = errors.New("already exists")
)

// Store はジョブとアイテムを永続化します。
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob は読み込み・変更・書き込みを1レコード単位で原子的に行います。
	UpdateJob(ctx context.Context, id string, mutate func(*Job) error) error
	InsertItem(ctx context.Context, item *Item) error
	// ListItems は row の昇順でアイテムを返します。
	ListItems(ctx context.Context, requestID string) ([]Item, error)
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は期限を設定しません。
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// CreateJob はジョブを新規作成します。
func (s *RedisStore) CreateJob(ctx context.Context, job *Job) error {
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

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %s", ErrAlreadyExists, job.ID)
	}
	return nil
}

// GetJob はジョブ情報を取得します。
func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrNotFound)
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob は WATCH で楽観ロックをかけてジョブを更新します。
func (s *RedisStore) UpdateJob(ctx context.Context, id string, mutate func(*Job) error) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: request %s", ErrNotFound, id)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update request %s: too many concurrent writers", id)
}

// InsertItem はアイテムを保存し、ジョブのアイテム一覧に row をスコアとして登録します。
func (s *RedisStore) InsertItem(ctx context.Context, item *Item) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}
	if item.ID == "" || item.RequestID == "" {
		return fmt.Errorf("item.ID and item.RequestID are required")
	}
	// アイテムは書き込み一回きりなので created_at と updated_at は同じ値になる
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.CreatedAt

	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}

	listKey := jobItemsKey(item.RequestID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, itemKey(item.ID), payload, s.ttl)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(item.Row), Member: item.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, listKey, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListItems はジョブに属するアイテムを row 順に返します。
func (s *RedisStore) ListItems(ctx context.Context, requestID string) ([]Item, error) {
	ids, err := s.rdb.ZRange(ctx, jobItemsKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, itemKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// 期限切れのアイテムは読み飛ばす
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func jobItemsKey(id string) string {
	return jobKeyPrefix + id + ":items"
}

func itemKey(id string) string {
	return itemKeyPrefix + id
}
