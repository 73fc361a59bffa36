package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceBackend tracks which devices hold a live connection across a
// multi-instance deployment. The Hub remains the source of truth for
// actually routing a message: a socket only ever lives on the instance
// that accepted it. PresenceBackend exists so ConnectedDeviceCount and
// cross-instance diagnostics reflect the whole fleet, not just this
// process's own Hub: a shared-state registry written by every instance,
// readable by any of them.
type PresenceBackend interface {
	MarkConnected(ctx context.Context, userID, deviceID, instanceID string, ttl time.Duration) error
	MarkDisconnected(ctx context.Context, userID, deviceID string) error
	Refresh(ctx context.Context, userID, deviceID string, ttl time.Duration) error
	ConnectedDeviceCount(ctx context.Context) (int64, error)
}

// presenceTTL bounds how long a presence key survives without a refresh;
// set well above pingInterval so one or two missed heartbeats don't flap
// a device's fleet-wide visibility before CleanupStale would have pruned
// the connection anyway.
const presenceTTL = 3 * pingInterval

// RedisPresence implements PresenceBackend against a shared Redis
// instance, keying each connected device as "relay:presence:<user>:<device>"
// so ConnectedDeviceCount is a SCAN over one prefix.
type RedisPresence struct {
	client *redis.Client
	prefix string
}

// NewRedisPresence wraps an existing *redis.Client. The caller owns the
// client's lifecycle (construction from a DSN, Close on shutdown).
func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, prefix: "relay:presence:"}
}

func (p *RedisPresence) key(userID, deviceID string) string {
	return p.prefix + userID + ":" + deviceID
}

// MarkConnected records that deviceID is now live on instanceID.
func (p *RedisPresence) MarkConnected(ctx context.Context, userID, deviceID, instanceID string, ttl time.Duration) error {
	return p.client.Set(ctx, p.key(userID, deviceID), instanceID, ttl).Err()
}

// MarkDisconnected removes the presence entry on socket close.
func (p *RedisPresence) MarkDisconnected(ctx context.Context, userID, deviceID string) error {
	return p.client.Del(ctx, p.key(userID, deviceID)).Err()
}

// Refresh extends a still-live connection's TTL, called from the same
// heartbeat path that resets the local read deadline.
func (p *RedisPresence) Refresh(ctx context.Context, userID, deviceID string, ttl time.Duration) error {
	return p.client.Expire(ctx, p.key(userID, deviceID), ttl).Err()
}

// ConnectedDeviceCount scans the presence prefix and counts live keys
// across every instance sharing this Redis database.
func (p *RedisPresence) ConnectedDeviceCount(ctx context.Context) (int64, error) {
	var count int64
	iter := p.client.Scan(ctx, 0, p.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}
