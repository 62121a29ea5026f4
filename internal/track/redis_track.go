package track

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/livery-core/internal/models"
)

// RedisTrack keeps the last known position and presence metadata per driver
// using Redis GEO commands plus a small hash. Only the latest sample
// matters; history stays on the device.
type RedisTrack struct {
	client *redis.Client
	key    string
}

func NewRedisTrack(addr, password, key string) *RedisTrack {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisTrack{client: c, key: key}
}

// NewRedisTrackFromClient wraps an existing client, for the consumer process.
func NewRedisTrackFromClient(c *redis.Client, key string) *RedisTrack {
	return &RedisTrack{client: c, key: key}
}

// Record stores the sample as the driver's last known position.
func (r *RedisTrack) Record(ctx context.Context, sample models.PositionSample) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: sample.Loc.Lon,
		Latitude:  sample.Loc.Lat,
		Name:      sample.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(sample.DriverID), map[string]any{
		"online":    "true",
		"speed_mps": strconv.FormatFloat(sample.SpeedMps, 'f', 2, 64),
		"updated":   sample.Timestamp.Format(time.RFC3339),
	}).Err()
}

// LastMeta fetches presence metadata for a driver.
func (r *RedisTrack) LastMeta(ctx context.Context, driverID string) (models.DriverMeta, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverMeta{}, err
	}
	meta := models.DriverMeta{DriverID: driverID}
	meta.Online = m["online"] == "true"
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			meta.Updated = ts
		}
	}
	return meta, nil
}

// MarkOffline flips the presence flag without touching the position.
func (r *RedisTrack) MarkOffline(ctx context.Context, driverID string) error {
	return r.client.HSet(ctx, metaKey(driverID), "online", "false").Err()
}

func (r *RedisTrack) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisTrack) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:track:" + id }
