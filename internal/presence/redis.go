package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelflow/internal/models"

	"github.com/redis/go-redis/v9"
)

/*
Layout per image, both hashes sharing the same field (user id):

	presence:image:{<id>}        user_id -> display name
	presence:image:{<id>}:seen   user_id -> last seen, unix milliseconds

The braces are a cluster hash tag: both keys of an image hash to the same
slot, which every script below needs.

Each operation below runs as one Lua script, so a join, heartbeat or sweep
can never interleave with another process's write to the same image. Keys
carry a PEXPIRE of twice the timeout so abandoned images disappear.
*/

var joinScript = redis.NewScript(`
local existed = redis.call('HEXISTS', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local prev = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if tonumber(ARGV[3]) > prev then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return existed
`)

var leaveScript = redis.NewScript(`
local name = redis.call('HGET', KEYS[1], ARGV[1])
if not name then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return name
`)

var heartbeatScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local now = tonumber(ARGV[2])
local prev = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if now - prev > tonumber(ARGV[3]) then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 0
end
if now > prev then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

var sweepScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local entries = redis.call('HGETALL', KEYS[1])
local removed = {}
local active = {}
for i = 1, #entries, 2 do
  local uid = entries[i]
  local name = entries[i + 1]
  local seen = tonumber(redis.call('HGET', KEYS[2], uid) or '0')
  if now - seen > timeout then
    redis.call('HDEL', KEYS[1], uid)
    redis.call('HDEL', KEYS[2], uid)
    table.insert(removed, uid)
    table.insert(removed, name)
  else
    table.insert(active, uid)
    table.insert(active, name)
  end
end
return {removed, active}
`)

// RedisStore is the shared presence store used when several server
// processes serve the same images.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	now     func() time.Time
}

func NewRedisStore(client redis.UniversalClient, timeout time.Duration, opts ...Option) *RedisStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	o := buildOptions(opts)
	return &RedisStore{
		client:  client,
		timeout: timeout,
		now:     o.now,
	}
}

// NewRedisClient connects to url (redis://[:password@]host:port/db) and
// verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func keys(resourceID string) []string {
	base := fmt.Sprintf("presence:image:{%s}", resourceID)
	return []string{base, base + ":seen"}
}

func (s *RedisStore) ttlMillis() int64 {
	return (2 * s.timeout).Milliseconds()
}

func (s *RedisStore) Join(ctx context.Context, resourceID, userID, displayName string) (bool, error) {
	existed, err := joinScript.Run(ctx, s.client, keys(resourceID),
		userID, displayName, s.now().UnixMilli(), s.ttlMillis(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence join: %w", err)
	}
	return existed == 0, nil
}

func (s *RedisStore) Leave(ctx context.Context, resourceID, userID string) (bool, string, error) {
	name, err := leaveScript.Run(ctx, s.client, keys(resourceID), userID).Text()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("presence leave: %w", err)
	}
	return true, name, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, resourceID, userID string) (bool, error) {
	ok, err := heartbeatScript.Run(ctx, s.client, keys(resourceID),
		userID, s.now().UnixMilli(), s.timeout.Milliseconds(), s.ttlMillis(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence heartbeat: %w", err)
	}
	return ok == 1, nil
}

func (s *RedisStore) ActiveUsers(ctx context.Context, resourceID string) ([]models.ActiveUser, error) {
	_, active, err := s.sweep(ctx, resourceID)
	return active, err
}

func (s *RedisStore) CleanupExpired(ctx context.Context, resourceID string) ([]models.ActiveUser, error) {
	removed, _, err := s.sweep(ctx, resourceID)
	return removed, err
}

func (s *RedisStore) sweep(ctx context.Context, resourceID string) ([]models.ActiveUser, []models.ActiveUser, error) {
	res, err := sweepScript.Run(ctx, s.client, keys(resourceID),
		s.now().UnixMilli(), s.timeout.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("presence sweep: %w", err)
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("presence sweep: unexpected reply of %d elements", len(res))
	}

	removed, err := decodePairs(res[0])
	if err != nil {
		return nil, nil, err
	}
	active, err := decodePairs(res[1])
	if err != nil {
		return nil, nil, err
	}
	sortUsers(removed)
	sortUsers(active)
	return removed, active, nil
}

// decodePairs turns a flat {id, name, id, name, ...} reply into users.
func decodePairs(v interface{}) ([]models.ActiveUser, error) {
	flat, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("presence sweep: unexpected reply type %T", v)
	}
	users := make([]models.ActiveUser, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		id, _ := flat[i].(string)
		name, _ := flat[i+1].(string)
		users = append(users, models.ActiveUser{UserID: id, Username: name})
	}
	return users, nil
}
