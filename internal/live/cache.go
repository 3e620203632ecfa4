package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// ObservationTTL bounds how stale a "latest analysis" answer can be.
const ObservationTTL = 30 * time.Second

// Cache keeps the most recent observation per camera in Redis with a
// short TTL so UI polling never touches the worker hot path.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, ttl: ObservationTTL}
}

func key(cameraID int) string {
	return fmt.Sprintf("sentinel:analysis:latest:%d", cameraID)
}

// SaveObservation stores the latest observation for a camera.
func (c *Cache) SaveObservation(ctx context.Context, obs *vision.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	if err := c.rdb.Set(ctx, key(obs.CameraID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LatestObservation returns the cached observation, or nil when none is
// fresh enough (redis.Nil is not an error for callers).
func (c *Cache) LatestObservation(ctx context.Context, cameraID int) (*vision.Observation, error) {
	data, err := c.rdb.Get(ctx, key(cameraID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var obs vision.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	return &obs, nil
}
