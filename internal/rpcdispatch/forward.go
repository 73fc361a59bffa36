package rpcdispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/helpful-bits/plantocode-orchestrator/internal/relay"
)

type deviceRouteKey struct{}

// DeviceRoute identifies which connected device a relayed call should be
// forwarded to.
type DeviceRoute struct {
	UserID   string
	DeviceID string
}

// WithDeviceRoute attaches the originating remote client's target device
// to ctx, read by a RelayForwarder fallback handler.
func WithDeviceRoute(ctx context.Context, route DeviceRoute) context.Context {
	return context.WithValue(ctx, deviceRouteKey{}, route)
}

func deviceRouteFromContext(ctx context.Context) (DeviceRoute, bool) {
	route, ok := ctx.Value(deviceRouteKey{}).(DeviceRoute)
	return route, ok
}

// Relayer is the subset of *relay.Server the forwarding fallback needs.
type Relayer interface {
	RelayRequest(ctx context.Context, userID, deviceID string, req *relay.RPCRequest) (json.RawMessage, error)
}

// NewRelayForwardHandler builds a Handler suitable for Dispatcher.SetFallback
// that forwards any unmatched method to the device named in ctx's
// DeviceRoute via the relay hub, returning the desktop's response verbatim. The
// method name is read back out of ctx (Dispatch stashes it there before
// invoking any handler) since Handler's signature only carries params.
func NewRelayForwardHandler(relayer Relayer) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		method, ok := MethodFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("rpcdispatch: no method in context for relay forward")
		}
		route, ok := deviceRouteFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("rpcdispatch: no device route in context for method %q", method)
		}

		resp, err := relayer.RelayRequest(ctx, route.UserID, route.DeviceID, &relay.RPCRequest{
			CorrelationID: uuid.NewString(),
			Method:        method,
			Params:        params,
		})
		if err != nil {
			return nil, err
		}
		return json.RawMessage(resp), nil
	}
}
