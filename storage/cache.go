package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"payment-recon/domain"
)

type backend interface {
	FetchParticipations(ctx context.Context, eventID string) ([]domain.Participation, error)
	InsertParticipation(ctx context.Context, p domain.Participation) error
	UpdateParticipationStatus(ctx context.Context, p domain.Participation, next domain.PaymentStatus) error
}

// Cache wraps a Storage instance with Redis-backed caching for participation
// list reads. By-ref lookups are never cached; the engine needs a fresh ETag
// for its conditioned writes.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchParticipations(ctx context.Context, eventID string) ([]domain.Participation, error) {
	if parts, ok := c.loadFromCache(ctx, eventID); ok {
		return parts, nil
	}

	parts, err := c.base.FetchParticipations(ctx, eventID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, eventID, parts)
	return parts, nil
}

func (c *Cache) InsertParticipation(ctx context.Context, p domain.Participation) error {
	if err := c.base.InsertParticipation(ctx, p); err != nil {
		return err
	}

	c.evict(ctx, p.EventID)
	return nil
}

func (c *Cache) UpdateParticipationStatus(ctx context.Context, p domain.Participation, next domain.PaymentStatus) error {
	if err := c.base.UpdateParticipationStatus(ctx, p, next); err != nil {
		return err
	}

	c.evict(ctx, p.EventID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, eventID string) ([]domain.Participation, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, participationsCacheKey(eventID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, participationsCacheKey(eventID)).Err()
		}
		return nil, false
	}
	var parts []domain.Participation
	if err := json.Unmarshal(data, &parts); err != nil {
		_ = c.redis.Del(ctx, participationsCacheKey(eventID)).Err()
		return nil, false
	}
	return parts, true
}

func (c *Cache) store(ctx context.Context, eventID string, parts []domain.Participation) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, participationsCacheKey(eventID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, eventID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, participationsCacheKey(eventID)).Result()
}

func participationsCacheKey(eventID string) string {
	return "participations:" + eventID
}
