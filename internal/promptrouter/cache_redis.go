package promptrouter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcflow-run/activitycore/internal/telemetry"
)

// RedisCache implements Cache on top of go-redis/v9. Keys are namespaced
// "promptcache:{userID}:{messageHash}"; invalidation tracks per-user key
// sets so InvalidateUser doesn't require a KEYS scan.
type RedisCache struct {
	client *redis.Client
	log    telemetry.Logger
}

// NewRedisCache wraps an existing *redis.Client. The caller owns the
// client's lifecycle (construction, auth, pool sizing).
func NewRedisCache(client *redis.Client, log telemetry.Logger) *RedisCache {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &RedisCache{client: client, log: log}
}

type cachedResolution struct {
	Content    string `json:"content"`
	TemplateID string `json:"templateId,omitempty"`
	Source     Source `json:"source"`
}

func (c *RedisCache) key(userID, messageHash string) string {
	return "promptcache:" + userID + ":" + messageHash
}

func (c *RedisCache) userIndexKey(userID string) string {
	return "promptcache:index:" + userID
}

// Get returns the cached resolution, if any. The cached entry only stores
// the template id, not the full template; callers that need Template
// metadata beyond the id should treat a cache hit as content-only.
func (c *RedisCache) Get(ctx context.Context, userID, messageHash string) (Resolution, bool) {
	raw, err := c.client.Get(ctx, c.key(userID, messageHash)).Bytes()
	if err != nil {
		return Resolution{}, false
	}
	var cr cachedResolution
	if err := json.Unmarshal(raw, &cr); err != nil {
		c.log.Warn(ctx, "promptrouter: corrupt cache entry", "error", err.Error())
		return Resolution{}, false
	}
	var tpl *Template
	if cr.TemplateID != "" {
		tpl = &Template{ID: cr.TemplateID}
	}
	return Resolution{Content: cr.Content, Template: tpl, Source: cr.Source}, true
}

// Set stores the resolution with the given TTL and registers the key in the
// user's invalidation index.
func (c *RedisCache) Set(ctx context.Context, userID, messageHash string, res Resolution, ttl time.Duration) {
	cr := cachedResolution{Content: res.Content, Source: res.Source}
	if res.Template != nil {
		cr.TemplateID = res.Template.ID
	}
	raw, err := json.Marshal(cr)
	if err != nil {
		return
	}
	key := c.key(userID, messageHash)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	pipe.SAdd(ctx, c.userIndexKey(userID), key)
	pipe.Expire(ctx, c.userIndexKey(userID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn(ctx, "promptrouter: cache set failed", "error", err.Error())
	}
}

// InvalidateAll drops every cached resolution. Used on any template update
// (spec §4.2 caching: a template edit can change content for many users).
func (c *RedisCache) InvalidateAll(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, "promptcache:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}

// InvalidateUser drops only the given user's cached resolutions. Used on an
// assignment update, which affects only the reassigned user.
func (c *RedisCache) InvalidateUser(ctx context.Context, userID string) {
	indexKey := c.userIndexKey(userID)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	c.client.Del(ctx, append(keys, indexKey)...)
}
