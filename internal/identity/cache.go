package identity

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/attractorhq/attractor/logger"
)

// indexKey is the Redis set holding every agent_id currently cached, mirroring
// the SADD-based index pattern the teacher uses for its service discovery
// (grounded on the SET+SADD+TTL shape of the teacher's Redis-backed registry,
// reimplemented fresh here against identity.Record instead of the teacher's
// ServiceRegistration type).
const indexKey = "attractor:identities:index"

// Cache is an optional Redis look-aside cache in front of the Identity
// Registry's filesystem store. It never becomes the system of record: the
// Registry only writes to it, and all Registry reads scan the directory
// (spec.md §4.3).
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

// NewCache connects to a Redis instance at addr.
func NewCache(addr string, ttl time.Duration, l logger.Logger) *Cache {
	if l == nil {
		l = logger.NewDefaultLogger()
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: l,
	}
}

// Put records agentID's last-heartbeat timestamp with a TTL, and adds it to
// the index set so Members can enumerate cached ids without a KEYS scan.
func (c *Cache) Put(agentID string, heartbeat time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, "attractor:identity:"+agentID, heartbeat.Format(time.RFC3339Nano), c.ttl).Err(); err != nil {
		c.logger.Warn("identity cache put failed, filesystem remains authoritative", "agent_id", agentID, "error", err)
		return
	}
	if err := c.client.SAdd(ctx, indexKey, agentID).Err(); err != nil {
		c.logger.Warn("identity cache index update failed", "agent_id", agentID, "error", err)
	}
}

// Remove drops agentID from the cache and its index.
func (c *Cache) Remove(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.client.Del(ctx, "attractor:identity:"+agentID)
	c.client.SRem(ctx, indexKey, agentID)
}

// Members returns every agent_id currently in the index, best-effort.
func (c *Cache) Members() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	members, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		c.logger.Warn("identity cache members scan failed", "error", err)
		return nil
	}
	return members
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
