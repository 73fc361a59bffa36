package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) *RedisPresence {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisPresence(client)
}

func TestRedisPresenceTracksConnectAndDisconnect(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	count, err := p.ConnectedDeviceCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	require.NoError(t, p.MarkConnected(ctx, "user-1", "device-1", "instance-a", time.Minute))
	require.NoError(t, p.MarkConnected(ctx, "user-1", "device-2", "instance-a", time.Minute))
	require.NoError(t, p.MarkConnected(ctx, "user-2", "device-1", "instance-b", time.Minute))

	count, err = p.ConnectedDeviceCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	require.NoError(t, p.MarkDisconnected(ctx, "user-1", "device-1"))

	count, err = p.ConnectedDeviceCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestRedisPresenceRefreshExtendsTTL(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.MarkConnected(ctx, "user-1", "device-1", "instance-a", 50*time.Millisecond))
	require.NoError(t, p.Refresh(ctx, "user-1", "device-1", time.Minute))

	time.Sleep(100 * time.Millisecond)

	count, err := p.ConnectedDeviceCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "refreshed key should have survived past its original TTL")
}

func TestServerSetPresenceOverridesConnectedDeviceCount(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()
	require.NoError(t, p.MarkConnected(ctx, "user-1", "device-1", "instance-a", time.Minute))
	require.NoError(t, p.MarkConnected(ctx, "user-1", "device-2", "instance-a", time.Minute))

	srv := NewServer(nil, nil)
	require.Equal(t, 0, srv.ConnectedDeviceCount(), "no presence attached yet: falls back to the local (empty) hub")

	srv.SetPresence(p, "instance-a")
	require.Equal(t, 2, srv.ConnectedDeviceCount(), "presence attached: reports the fleet-wide count")
}
