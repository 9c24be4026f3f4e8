package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/mpk/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	installedKey    = "mpk:installed"
)

// RedisStore keeps records in a single hash keyed by package id.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a registry backed by Redis.
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

func (s *RedisStore) Put(ctx context.Context, pkg InstalledPackage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("registry store unavailable")
	}
	id, err := normalizeID(pkg.ID)
	if err != nil {
		return err
	}
	pkg.ID = id
	payload, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal package: %w", err)
	}
	return s.client.HSet(ctx, installedKey, id, payload).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (InstalledPackage, error) {
	if s == nil || s.client == nil {
		return InstalledPackage{}, fmt.Errorf("registry store unavailable")
	}
	id, err := normalizeID(id)
	if err != nil {
		return InstalledPackage{}, err
	}
	data, err := s.client.HGet(ctx, installedKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return InstalledPackage{}, ErrNotFound
	}
	if err != nil {
		return InstalledPackage{}, err
	}
	var pkg InstalledPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return InstalledPackage{}, fmt.Errorf("decode package %s: %w", id, err)
	}
	return pkg, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("registry store unavailable")
	}
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	return s.client.HDel(ctx, installedKey, id).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]InstalledPackage, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("registry store unavailable")
	}
	entries, err := s.client.HGetAll(ctx, installedKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]InstalledPackage, 0, len(entries))
	for id, raw := range entries {
		var pkg InstalledPackage
		if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
			return nil, fmt.Errorf("decode package %s: %w", id, err)
		}
		out = append(out, pkg)
	}
	sortByID(out)
	return out, nil
}
