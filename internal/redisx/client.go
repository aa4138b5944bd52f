package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// New returns nil when addr is empty; every helper below treats a nil
// client as a permanent cache miss.
func New(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// StatusCache holds the read model served by status lookups.
type StatusCache struct{ rdb *redis.Client }

func NewStatusCache(rdb *redis.Client) *StatusCache { return &StatusCache{rdb: rdb} }

func (c *StatusCache) Get(ctx context.Context, orderCode int64) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderCode)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (c *StatusCache) Set(ctx context.Context, orderCode int64, body []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderCode), body, TTLStatusCache).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, orderCode int64) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderCode)).Err()
}

// Dedup is a fast path in front of the durable dedup record. A miss here
// never means "not seen"; the database decides.
type Dedup struct {
	rdb   *redis.Client
	scope string
}

func NewDedup(rdb *redis.Client, scope string) *Dedup { return &Dedup{rdb: rdb, scope: scope} }

func (d *Dedup) Seen(ctx context.Context, id string) bool {
	if d == nil {
		return false
	}
	ok, _ := Exists(ctx, d.rdb, fmt.Sprintf(KeyDedup, d.scope, id))
	return ok
}

func (d *Dedup) Mark(ctx context.Context, id string) {
	if d == nil || d.rdb == nil {
		return
	}
	_ = d.rdb.Set(ctx, fmt.Sprintf(KeyDedup, d.scope, id), "1", TTLDedup).Err()
}

// Idempotency stores checkout responses by (user, Idempotency-Key).
type Idempotency struct{ rdb *redis.Client }

func NewIdempotency(rdb *redis.Client) *Idempotency { return &Idempotency{rdb: rdb} }

func (i *Idempotency) Get(ctx context.Context, userID, key string) ([]byte, bool) {
	if i == nil || i.rdb == nil || key == "" {
		return nil, false
	}
	b, err := i.rdb.Get(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (i *Idempotency) Save(ctx context.Context, userID, key string, body []byte) {
	if i == nil || i.rdb == nil || key == "" {
		return
	}
	_ = i.rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), body, TTLIdempotency).Err()
}
