package tcpjsonrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

func sumHandler(_ context.Context, params json.RawMessage) (interface{}, error) {
	var nums []int64
	if err := json.Unmarshal(params, &nums); err != nil {
		return nil, errors.Wrap(protocol.ErrInvalidParams, err.Error())
	}
	total := new(big.Int)
	for _, n := range nums {
		total.Add(total, big.NewInt(n))
	}
	return total, nil
}

func newTestServer(opts ...Option) *Server {
	s := NewServer(opts...)
	s.HandleFunc("sum", sumHandler)
	s.HandleFunc("nothing", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	s.HandleFunc("boom", func(context.Context, json.RawMessage) (interface{}, error) {
		panic("boom")
	})
	s.HandleFunc("fail", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("backend unavailable")
	})
	return s
}

func decodeResponse(t *testing.T, b []byte) map[string]json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func errorCode(t *testing.T, b []byte) int {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(b, &resp))
	require.NotNil(t, resp.Error, "expected an error response, got %s", b)
	return resp.Error.Code
}

func TestDispatchSum(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"sum","params":[1,2,3]}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":6}`, string(resp))
}

func TestDispatchEchoesID(t *testing.T) {
	s := newTestServer()
	for _, id := range []string{`0`, `"abc-123"`, `null`, `18446744073709551616`} {
		req := `{"jsonrpc":"2.0","id":` + id + `,"method":"sum","params":[]}`
		m := decodeResponse(t, s.Dispatch(context.Background(), []byte(req)))
		assert.Equal(t, id, string(m["id"]))
		assert.Equal(t, `"2.0"`, string(m["jsonrpc"]))
		assert.Equal(t, `0`, string(m["result"]))
		assert.NotContains(t, m, "error")
	}
}

func TestDispatchNilResult(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"nothing"}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":null}`, string(resp))
}

func TestDispatchParseError(t *testing.T) {
	s := newTestServer()
	for _, raw := range []string{`{"jsonrpc":"2.0","id":1,`, `{"id":}`, `{]`, ``, `not json`} {
		resp := s.Dispatch(context.Background(), []byte(raw))
		m := decodeResponse(t, resp)
		assert.Equal(t, `null`, string(m["id"]), "input %q", raw)
		assert.Equal(t, protocol.CodeParseError, errorCode(t, resp), "input %q", raw)
	}
}

func TestDispatchInvalidRequest(t *testing.T) {
	s := newTestServer()
	cases := []struct{ raw, id string }{
		{`[{"jsonrpc":"2.0","id":1,"method":"sum","params":[1]}]`, `null`},
		{`"just a string"`, `null`},
		{`42`, `null`},
		{`null`, `null`},
		{`{"jsonrpc":"2.0","method":"sum","params":[1]}`, `null`},
		{`{"jsonrpc":"2.0","id":1.5,"method":"sum"}`, `null`},
		{`{"jsonrpc":"2.0","id":{},"method":"sum"}`, `null`},
		{`{"jsonrpc":"1.0","id":7,"method":"sum"}`, `7`},
		{`{"id":7,"method":"sum"}`, `7`},
		{`{"jsonrpc":"2.0","id":"a","params":[1]}`, `"a"`},
		{`{"jsonrpc":"2.0","id":"a","method":42}`, `"a"`},
		{`{"jsonrpc":"2.0","id":"a","method":null}`, `"a"`},
		{`{"jsonrpc":"2.0","id":3,"method":"sum","params":1}`, `3`},
	}
	for _, tc := range cases {
		resp := s.Dispatch(context.Background(), []byte(tc.raw))
		assert.Equal(t, protocol.CodeInvalidRequest, errorCode(t, resp), "input %s", tc.raw)
		assert.Equal(t, tc.id, string(decodeResponse(t, resp)["id"]), "input %s", tc.raw)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	s := newTestServer()
	for _, method := range []string{"product", "rpc.discover", ""} {
		raw, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 9, "method": method})
		require.NoError(t, err)
		resp := s.Dispatch(context.Background(), raw)
		assert.Equal(t, protocol.CodeMethodNotFound, errorCode(t, resp), "method %q", method)
		assert.Equal(t, `9`, string(decodeResponse(t, resp)["id"]))
	}
}

func TestDispatchHandlerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := newTestServer(WithLogger(zap.New(core)))

	resp := s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"sum","params":{"a":1}}`))
	assert.Equal(t, protocol.CodeInvalidParams, errorCode(t, resp))

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"fail"}`))
	assert.Equal(t, protocol.CodeInternalError, errorCode(t, resp))

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"boom"}`))
	assert.Equal(t, protocol.CodeInternalError, errorCode(t, resp))
	assert.Equal(t, `3`, string(decodeResponse(t, resp)["id"]))

	panics := logs.FilterMessage("jsonrpc2: handler panic").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "boom", panics[0].ContextMap()["method"])
}

func TestDispatchCancelledContext(t *testing.T) {
	s := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := s.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"sum","params":[1]}`))
	assert.Equal(t, protocol.CodeServerError, errorCode(t, resp))
}

func TestDispatchMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s := newTestServer(WithMetrics(m))

	for i := 0; i < 3; i++ {
		s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"sum","params":[1]}`))
	}
	s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"missing"}`))
	s.Dispatch(context.Background(), []byte(`garbage`))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("sum", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues(labelUnknown, "-32601")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues(labelInvalid, "-32700")))
}

func TestMiddlewareChain(t *testing.T) {
	s := NewServer()
	var order []string
	s.Use(func(c *Context) {
		order = append(order, "global")
		c.Set("user", "admin")
		c.Next()
	})
	auth := func(c *Context) {
		order = append(order, "auth")
		var p struct {
			Token string `json:"token"`
		}
		if err := c.Bind(&p); err != nil {
			c.Fail(err)
			return
		}
		if p.Token != "secret-token" {
			c.Error(protocol.NewError(-32001, "Unauthorized", nil))
			return
		}
		c.Next()
	}
	s.Handle("whoami", auth, func(c *Context) {
		order = append(order, "handler")
		user, _ := c.Get("user")
		c.Result(user)
	})

	resp := s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"whoami","params":{"token":"secret-token"}}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"admin"}`, string(resp))
	assert.Equal(t, []string{"global", "auth", "handler"}, order)

	order = nil
	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"whoami","params":{"token":"nope"}}`))
	assert.Equal(t, -32001, errorCode(t, resp))
	assert.Equal(t, []string{"global", "auth"}, order)

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"whoami"}`))
	assert.Equal(t, protocol.CodeInvalidParams, errorCode(t, resp))
}

func TestRegistryFrozenAfterServe(t *testing.T) {
	s := newTestServer()
	s.router.freeze()
	assert.Panics(t, func() { s.HandleFunc("late", sumHandler) })
	assert.Panics(t, func() { NewServer().HandleFunc("rpc.internal", sumHandler) })
	assert.Panics(t, func() { NewServer().Handle("empty") })
}
