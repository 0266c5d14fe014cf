// Package rediscache provides a Redis-backed read-through cache for
// session metadata, implemented as a metadata hook: reads served from the
// cache never reach storage, mutations write through and invalidate.
//
// Cache failures degrade to storage access rather than failing the
// operation; only the underlying storage result is authoritative.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/log"

	"goa.design/agent-sessions/hooks"
)

const defaultTTL = 5 * time.Minute

// Cache is a metadata hook backed by Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Cache over an existing Redis client. ttl <= 0 selects the
// default of five minutes.
func New(client *redis.Client, ttl time.Duration) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Dial connects to the given Redis URL and builds a Cache, verifying
// connectivity with a ping.
func Dial(ctx context.Context, url string, ttl time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(client, ttl)
}

// InterceptMetadata serves gets from the cache when possible and
// invalidates the session's entry after mutations.
func (c *Cache) InterceptMetadata(ctx context.Context, next hooks.MetadataOp, action hooks.MetadataAction, sessionID string, args hooks.MetadataArgs) (map[string]any, error) {
	if action != hooks.MetadataGet {
		out, err := next(ctx, action, sessionID, args)
		if err != nil {
			return nil, err
		}
		if derr := c.client.Del(ctx, c.key(sessionID)).Err(); derr != nil {
			log.Debugf(ctx, "metadata cache invalidate %s: %v", sessionID, derr)
		}
		return out, nil
	}

	key := c.key(sessionID)
	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var cached map[string]any
		if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Debugf(ctx, "metadata cache read %s: %v", sessionID, err)
	}

	out, err := next(ctx, action, sessionID, args)
	if err != nil {
		return nil, err
	}
	if buf, merr := json.Marshal(out); merr == nil {
		if serr := c.client.Set(ctx, key, buf, c.ttl).Err(); serr != nil {
			log.Debugf(ctx, "metadata cache write %s: %v", sessionID, serr)
		}
	}
	return out, nil
}

func (c *Cache) key(sessionID string) string {
	return "session:metadata:" + sessionID
}
