package methods

import (
	"context"
	"encoding/json"
	"math/big"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyle-cao/tcpjsonrpc"
	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

func sumOf(t *testing.T, params string) *big.Int {
	t.Helper()
	v, err := Sum(context.Background(), json.RawMessage(params))
	require.NoError(t, err)
	return v.(*big.Int)
}

func TestSum(t *testing.T) {
	assert.Equal(t, "12", sumOf(t, `[3, 7, 2]`).String())
	assert.Equal(t, "0", sumOf(t, `[]`).String())
	assert.Equal(t, "-5", sumOf(t, `[-10, 5]`).String())
}

func TestSumDoesNotWrap(t *testing.T) {
	got := sumOf(t, `[9223372036854775807, 9223372036854775807, 1]`)
	assert.Equal(t, "18446744073709551615", got.String())

	got = sumOf(t, `[123456789012345678901234567890, -123456789012345678901234567890]`)
	assert.Equal(t, "0", got.String())
}

func TestSumRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		params := make([]int64, r.Intn(100))
		var want int64
		for j := range params {
			params[j] = r.Int63n(2001) - 1000
			want += params[j]
		}
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(want).String(), sumOf(t, string(raw)).String())
	}
}

func TestSumInvalidParams(t *testing.T) {
	for _, params := range []string{
		``,
		`{"a":1}`,
		`[1, 2.5]`,
		`[1, "2"]`,
		`[1e3]`,
		`[null]`,
		`[[1]]`,
	} {
		_, err := Sum(context.Background(), json.RawMessage(params))
		require.Error(t, err, "params %q", params)
		assert.True(t, errors.Is(err, protocol.ErrInvalidParams), "params %q", params)
	}
}

func TestRegister(t *testing.T) {
	s := tcpjsonrpc.NewServer()
	Register(s)
	assert.ElementsMatch(t, []string{"sum", "ping", "echo"}, s.Methods())

	resp := s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"sum","params":[1,2,3]}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":6}`, string(resp))

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":"p","method":"ping"}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"p","result":"pong"}`, string(resp))

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"k":[1,"x"]}}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"k":[1,"x"]}}`, string(resp))

	resp = s.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"sum","params":[1,"x"]}`))
	var out protocol.Response
	require.NoError(t, json.Unmarshal(resp, &out))
	require.NotNil(t, out.Error)
	assert.Equal(t, protocol.CodeInvalidParams, out.Error.Code)
}
