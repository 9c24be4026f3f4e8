package locks

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
	lockKeyPrefix   = "mpk:lock:"
)

// RedisStore shares locks between processes operating on the same install
// root.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store.
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

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) check(resource, owner string, needOwner bool) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || (needOwner && owner == "") {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

// Acquire attempts to acquire a shared or exclusive lock.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (*Lock, bool, error) {
	resource, owner, err := s.check(resource, owner, true)
	if err != nil {
		return nil, false, err
	}
	ttl = normalizeTTL(ttl)
	res, err := acquireScript.Run(ctx, s.client, []string{lockKey(resource)},
		string(normalizeMode(mode)), owner, ttl.Milliseconds(), time.Now().UTC().Unix(),
	).Text()
	if err != nil {
		return nil, false, err
	}
	if res == "" {
		return nil, false, nil
	}
	lock, err := parseLock(res, resource)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// Release removes one hold of the caller.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (*Lock, bool, error) {
	resource, owner, err := s.check(resource, owner, true)
	if err != nil {
		return nil, false, err
	}
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(resource)},
		owner, time.Now().UTC().Unix(),
	).Text()
	if err != nil {
		return nil, false, err
	}
	if res == "" {
		return nil, true, nil
	}
	lock, err := parseLock(res, resource)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// Renew extends a lock TTL if the owner is present.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	resource, owner, err := s.check(resource, owner, true)
	if err != nil {
		return nil, false, err
	}
	ttl = normalizeTTL(ttl)
	res, err := renewScript.Run(ctx, s.client, []string{lockKey(resource)},
		owner, ttl.Milliseconds(), time.Now().UTC().Unix(),
	).Text()
	if err != nil {
		return nil, false, err
	}
	if res == "" {
		return nil, false, nil
	}
	lock, err := parseLock(res, resource)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// Get returns the current lock state or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	resource, _, err := s.check(resource, "", false)
	if err != nil {
		return nil, err
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseLock(payload, resource)
}

type lockPayload struct {
	Mode      string         `json:"mode"`
	Owners    map[string]int `json:"owners"`
	UpdatedAt int64          `json:"updated_at"`
	ExpiresAt int64          `json:"expires_at"`
}

func parseLock(payload, resource string) (*Lock, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		Resource: resource,
		Mode:     Mode(decoded.Mode),
		Owners:   decoded.Owners,
	}
	if decoded.UpdatedAt > 0 {
		lock.UpdatedAt = time.Unix(decoded.UpdatedAt, 0).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lock.ExpiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	return lock, nil
}

func lockKey(resource string) string {
	return lockKeyPrefix + resource
}

// luaSave defines save(key, lock, ttl, now), which stores and returns the encoded lock.
const luaSave = `
local function save(key, lock, ttl, now)
  lock["updated_at"] = now
  lock["expires_at"] = now + math.floor(ttl / 1000)
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
`

var acquireScript = redis.NewScript(luaSave + `
local key, mode, owner = KEYS[1], ARGV[1], ARGV[2]
local ttl, now = tonumber(ARGV[3]), tonumber(ARGV[4])
local payload = redis.call("GET", key)
if not payload then
  return save(key, {mode = mode, owners = {[owner] = 1}}, ttl, now)
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
if (lock["mode"] or "exclusive") == "exclusive" then
  if not owners[owner] then
    return ""
  end
elseif mode == "exclusive" then
  for k, _ in pairs(owners) do
    if k ~= owner then
      return ""
    end
  end
  if not owners[owner] then
    return ""
  end
  lock["mode"] = "exclusive"
end
owners[owner] = (owners[owner] or 0) + 1
lock["owners"] = owners
return save(key, lock, ttl, now)
`)

var releaseScript = redis.NewScript(`
local key, owner, now = KEYS[1], ARGV[1], tonumber(ARGV[2])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
local count = owners[owner]
if not count then
  return payload
end
if count <= 1 then
  owners[owner] = nil
else
  owners[owner] = count - 1
end
if next(owners) == nil then
  redis.call("DEL", key)
  return ""
end
lock["owners"] = owners
lock["updated_at"] = now
local encoded = cjson.encode(lock)
local ttl = redis.call("PTTL", key)
if ttl > 0 then
  redis.call("SET", key, encoded, "PX", ttl)
else
  redis.call("SET", key, encoded)
end
return encoded
`)

var renewScript = redis.NewScript(luaSave + `
local key, owner = KEYS[1], ARGV[1]
local ttl, now = tonumber(ARGV[2]), tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
local owners = lock["owners"] or {}
if not owners[owner] then
  return ""
end
return save(key, lock, ttl, now)
`)
