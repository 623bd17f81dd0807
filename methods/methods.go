// Package methods 提供服务端自带的参考方法。
package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"

	"github.com/pkg/errors"

	"github.com/kyle-cao/tcpjsonrpc"
	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

// Register 注册 sum、ping 和 echo。middleware 会加在每个方法的处理链前面。
func Register(s *tcpjsonrpc.Server, middleware ...tcpjsonrpc.HandlerFunc) {
	s.Handle("sum", append(middleware, tcpjsonrpc.Func(Sum))...)
	s.Handle("ping", append(middleware, tcpjsonrpc.Func(Ping))...)
	s.Handle("echo", append(middleware, tcpjsonrpc.Func(Echo))...)
}

// Sum 对整数数组求和，精度不受限。
func Sum(_ context.Context, params json.RawMessage) (interface{}, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || params[0] != '[' {
		return nil, errors.Wrap(protocol.ErrInvalidParams, "params must be an array of integers")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(params, &elems); err != nil {
		return nil, errors.Wrap(protocol.ErrInvalidParams, err.Error())
	}

	total := new(big.Int)
	n := new(big.Int)
	for i, elem := range elems {
		// 只接受 JSON 整数字面量，字符串、小数和指数形式都拒绝
		if _, ok := n.SetString(string(elem), 10); !ok {
			return nil, errors.Wrapf(protocol.ErrInvalidParams, "element %d (%s) is not an integer", i, elem)
		}
		total.Add(total, n)
	}
	return total, nil
}

// Ping 总是返回 "pong"。
func Ping(context.Context, json.RawMessage) (interface{}, error) {
	return "pong", nil
}

// Echo 原样返回参数。
func Echo(_ context.Context, params json.RawMessage) (interface{}, error) {
	return params, nil
}
