// Package history keeps finished package operations beyond the in-process
// tracker so they can be looked up after eviction or a restart.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/mpk/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultLimit    = 100
	maxEntries      = 1000
	keyPrefix       = "mpk:history:"
)

// ErrNotFound is returned by Get for unknown operation ids.
var ErrNotFound = errors.New("operation not in history")

// Entry is the persisted form of a finished operation.
type Entry struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	PackageID   string    `json:"package_id,omitempty"`
	State       string    `json:"state"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store persists finished operations.
type Store interface {
	Add(ctx context.Context, entry Entry) error
	Get(ctx context.Context, operationID string) (*Entry, error)
	List(ctx context.Context, limit int64) ([]Entry, error)
	Close() error
}

// RedisStore keeps the most recent operations in Redis, indexed by finish
// time.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Add stores entry and trims the index to the newest entries.
func (s *RedisStore) Add(ctx context.Context, entry Entry) error {
	id := strings.TrimSpace(entry.OperationID)
	if id == "" {
		return fmt.Errorf("operation id required")
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(id), data, 0)
	pipe.ZAdd(ctx, indexKey(), redis.Z{Score: float64(entry.FinishedAt.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	return s.trim(ctx)
}

// trim drops entries beyond maxEntries together with their index members.
func (s *RedisStore) trim(ctx context.Context) error {
	stale, err := s.client.ZRange(ctx, indexKey(), 0, -(maxEntries + 1)).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	pipe := s.client.TxPipeline()
	members := make([]any, 0, len(stale))
	for _, id := range stale {
		pipe.Del(ctx, entryKey(id))
		members = append(members, id)
	}
	pipe.ZRem(ctx, indexKey(), members...)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns one entry.
func (s *RedisStore) Get(ctx context.Context, operationID string) (*Entry, error) {
	id := strings.TrimSpace(operationID)
	if id == "" {
		return nil, fmt.Errorf("operation id required")
	}
	data, err := s.client.Get(ctx, entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns up to limit entries, newest first.
func (s *RedisStore) List(ctx context.Context, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	ids, err := s.client.ZRevRange(ctx, indexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, entryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Entry, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func entryKey(id string) string {
	return keyPrefix + "entry:" + id
}

func indexKey() string {
	return keyPrefix + "index"
}
