package rpcdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_RoutesToRegisteredHandler(t *testing.T) {
	d := New()
	d.Register("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	resp := d.Dispatch(context.Background(), Request{CorrelationID: "c1", Method: "ping"})
	require.Nil(t, resp.Error)
	require.True(t, resp.IsFinal)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	require.Equal(t, "ok", decoded["pong"])
}

func TestDispatcher_UnknownMethodWithoutFallback(t *testing.T) {
	d := New()
	resp := d.Dispatch(context.Background(), Request{CorrelationID: "c1", Method: "nope"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "method_not_found", resp.Error.Code)
}

func TestDispatcher_HandlerErrorBecomesErrorInfo(t *testing.T) {
	d := New()
	d.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	resp := d.Dispatch(context.Background(), Request{CorrelationID: "c1", Method: "fail"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "handler_error", resp.Error.Code)
	require.Contains(t, resp.Error.Message, "boom")
}

func TestDispatcher_CachedMethodHitsOnSecondCall(t *testing.T) {
	d := New()
	calls := 0
	d.RegisterCached("expensive", func(ctx context.Context, params json.RawMessage) (any, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	}, 8, 0, 1000)

	params := json.RawMessage(`{"q":"x"}`)
	resp1 := d.Dispatch(context.Background(), Request{CorrelationID: "c1", Method: "expensive", Params: params})
	resp2 := d.Dispatch(context.Background(), Request{CorrelationID: "c2", Method: "expensive", Params: params})

	require.Equal(t, resp1.Result, resp2.Result)
	require.Equal(t, 1, calls, "second call should be served from cache")
}

func TestDispatcher_Fallback(t *testing.T) {
	d := New()
	var sawMethod string
	d.SetFallback(func(ctx context.Context, params json.RawMessage) (any, error) {
		method, _ := MethodFromContext(ctx)
		sawMethod = method
		return map[string]string{"forwarded": method}, nil
	})

	resp := d.Dispatch(context.Background(), Request{CorrelationID: "c1", Method: "fs.listProjectFiles"})
	require.Nil(t, resp.Error)
	require.Equal(t, "fs.listProjectFiles", sawMethod)
}
