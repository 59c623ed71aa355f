package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

const (
	versionPrefix = "consol:view:version"
	viewPrefix    = "consol:view"
	// BumpChannel carries "group:period" payloads whenever a view version moves.
	BumpChannel = "consol.view.bump"
)

// DefaultTTL bounds how long a cached view lives without a bump.
const DefaultTTL = 10 * time.Minute

// Cache stores view projections in Redis under versioned keys. A nil client
// turns every call into a pass-through to the loader.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether a Redis client backs the cache.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

func versionKey(key consol.Key) string {
	return strings.Join([]string{versionPrefix, key.GroupID, key.Period}, ":")
}

// Version returns the current view version of key, initialising it when missing.
func (c *Cache) Version(ctx context.Context, key consol.Key) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so two readers racing on a fresh key agree on version 1
		if err := c.client.SetNX(ctx, versionKey(key), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey(key)).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the view cache key with the current version of key.
func (c *Cache) BuildKey(ctx context.Context, key consol.Key) (string, error) {
	base := strings.Join([]string{viewPrefix, key.GroupID, key.Period}, ":")
	if !c.Enabled() {
		return base, nil
	}
	ver, err := c.Version(ctx, key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader. The
// second return reports a cache hit.
func (c *Cache) FetchJSON(ctx context.Context, cacheKey string, dest interface{}, loader func(context.Context) (interface{}, error)) (bool, error) {
	if loader == nil {
		return false, errors.New("query cache: loader required")
	}
	if c.Enabled() {
		payload, err := c.client.Get(ctx, cacheKey).Bytes()
		if err == nil {
			return true, json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if c.Enabled() {
		if err := c.client.Set(ctx, cacheKey, raw, c.ttl).Err(); err != nil {
			return false, err
		}
	}
	return false, json.Unmarshal(raw, dest)
}

// Bump invalidates the views of key by moving its version and publishing the event.
func (c *Cache) Bump(ctx context.Context, key consol.Key) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	ver, err := c.client.Incr(ctx, versionKey(key)).Result()
	if err != nil {
		return 0, err
	}
	if err := c.client.Publish(ctx, BumpChannel, key.String()).Err(); err != nil {
		return ver, err
	}
	return ver, nil
}

// ListenForInvalidation subscribes to bump notifications and calls onBump for
// each key until ctx is cancelled.
func (c *Cache) ListenForInvalidation(ctx context.Context, onBump func(consol.Key, int64)) error {
	if !c.Enabled() {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key, found := parseBumpPayload(msg.Payload)
				if !found || onBump == nil {
					continue
				}
				ver, err := c.client.Get(ctx, versionKey(key)).Result()
				if err != nil {
					continue
				}
				if n, err := strconv.ParseInt(ver, 10, 64); err == nil {
					onBump(key, n)
				}
			}
		}
	}()
	return nil
}

// parseBumpPayload reverses consol.Key.String. Periods never contain a colon,
// so the last one separates them from group ids that may.
func parseBumpPayload(payload string) (consol.Key, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return consol.Key{}, false
	}
	return consol.Key{GroupID: payload[:i], Period: payload[i+1:]}, true
}
