package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/worldhost/world-host-server/internal/obs"
)

// redisDirectory shares published keys across instances. Each claim is a
// Redis key holding "instanceID owner" with a TTL, refreshed by maintenance
// so claims from a crashed instance expire on their own.
type redisDirectory struct {
	client     *redis.Client
	instanceID string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisDirectory(addr, password string, db int) (*redisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisDirectory{
		client:            rdb,
		instanceID:        fmt.Sprintf("worldhost-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

var _ Directory = (*redisDirectory)(nil)

func (d *redisDirectory) redisKey(key string) string { return "host:" + key }

func (d *redisDirectory) claimValue(owner uuid.UUID) string {
	return d.instanceID + " " + owner.String()
}

// Claim overwrites any prior holder: registration is last writer wins, so
// the directory records the latest claimant rather than arbitrating.
func (d *redisDirectory) Claim(ctx context.Context, key string, owner uuid.UUID) error {
	if err := d.client.Set(ctx, d.redisKey(key), d.claimValue(owner), d.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis claim failed: %w", err)
	}
	return nil
}

func (d *redisDirectory) Release(ctx context.Context, key string) {
	val, err := d.client.Get(ctx, d.redisKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			obs.Error("redis directory release", obs.Fields{"err": err.Error(), "key": key})
		}
		return
	}
	if len(val) < len(d.instanceID) || val[:len(d.instanceID)] != d.instanceID {
		return // claimed by another instance in the meantime
	}
	if err := d.client.Del(ctx, d.redisKey(key)).Err(); err != nil {
		obs.Error("redis directory release", obs.Fields{"err": err.Error(), "key": key})
	}
}

// StartMaintenance periodically extends the TTL on every key this instance
// still publishes. It blocks until ctx is done.
func (d *redisDirectory) StartMaintenance(ctx context.Context, keys func() []string) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range keys() {
				if err := d.client.Expire(ctx, d.redisKey(key), d.keyTTL).Err(); err != nil {
					obs.Error("redis directory heartbeat", obs.Fields{"err": err.Error(), "key": key})
				}
			}
		}
	}
}

func (d *redisDirectory) Close() error { return d.client.Close() }
