package caching

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const scanBatch = 500

func versionKey(key string) string { return key + ":version" }

// setVersionedScript writes the entry unless a newer version was already
// seen, and keeps the floor alive as long as the entry.
var setVersionedScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[2]) < floor then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidateScript raises the floor (never lowers it) and drops the entry.
var invalidateScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) > floor then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

type RedisCachingService struct {
	client redis.UniversalClient
	logger logger.Logger
}

func NewRedisCachingService(client redis.UniversalClient, l logger.Logger) *RedisCachingService {
	return &RedisCachingService{
		client: client,
		logger: l,
	}
}

func (c *RedisCachingService) IsReady(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCachingService) Name() string {
	return "Cache[redis]"
}

func (c *RedisCachingService) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %w", apperror.ErrCacheUnavailable, key, err)
	}

	if err := unmarshal(raw, dest); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		if derr := c.client.Del(ctx, key).Err(); derr != nil {
			c.logger.Debug("failed to drop undecodable cache entry", "key", key, "error", derr)
		}
		return false, nil
	}

	return true, nil
}

func (c *RedisCachingService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", apperror.ErrCacheUnavailable, key, err)
	}
	return nil
}

func (c *RedisCachingService) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", apperror.ErrCacheUnavailable, key, err)
	}
	return nil
}

func (c *RedisCachingService) SetVersioned(ctx context.Context, key string, value any, version int64, ttl time.Duration) (bool, error) {
	raw, err := marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode cache value %s: %w", key, err)
	}

	res, err := setVersionedScript.Run(ctx, c.client, []string{key, versionKey(key)}, raw, version, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: set %s at version %d: %w", apperror.ErrCacheUnavailable, key, version, err)
	}
	if res == 0 {
		c.logger.Debug("refused superseded cache value", "key", key, "version", version)
	}
	return res == 1, nil
}

func (c *RedisCachingService) Invalidate(ctx context.Context, key string, version int64, ttl time.Duration) error {
	if err := invalidateScript.Run(ctx, c.client, []string{key, versionKey(key)}, version, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: invalidate %s at version %d: %w", apperror.ErrCacheUnavailable, key, version, err)
	}
	return nil
}

// DeleteByPattern walks the keyspace with SCAN and deletes matches in
// batches. Any failure is reported even if some keys were already removed.
func (c *RedisCachingService) DeleteByPattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("%w: delete pattern %s after %d keys: %w", apperror.ErrCacheUnavailable, pattern, deleted, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan pattern %s: %w", apperror.ErrCacheUnavailable, pattern, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("%w: delete pattern %s after %d keys: %w", apperror.ErrCacheUnavailable, pattern, deleted, err)
	}

	c.logger.Debug("deleted cache keys by pattern", "pattern", pattern, "count", deleted)
	return nil
}

// EscapePattern quotes glob metacharacters so s matches itself literally
// inside a SCAN/KEYS pattern.
func EscapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(raw []byte, dest any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	return dec.Decode(dest)
}
