package tcpjsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

const (
	labelInvalid = "<invalid>"
	labelUnknown = "<unknown>"
)

// callInfo 描述请求来自哪个连接。
type callInfo struct {
	connID string
	remote net.Addr
}

// Dispatch 处理一个原始请求帧并返回编码后的响应。任何错误都以错误响应的形式返回。
func (s *Server) Dispatch(ctx context.Context, raw []byte) []byte {
	return s.encodeResponse(s.dispatch(ctx, callInfo{}, raw))
}

// encodeResponse 编码响应。错误对象的 Data 无法编码时退化为不带 Data 的 -32603。
func (s *Server) encodeResponse(resp *protocol.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("jsonrpc2: failed to encode response", zap.Error(err))
		b, _ = json.Marshal(protocol.NewErrorResponse(resp.ID, protocol.InternalError(nil)))
	}
	return b
}

func (s *Server) dispatch(ctx context.Context, info callInfo, raw []byte) *protocol.Response {
	start := time.Now()
	req, errObj := parseRequest(raw)
	if errObj != nil {
		s.metrics.observeRequest(labelInvalid, errObj.Code, time.Since(start))
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return protocol.NewErrorResponse(id, errObj)
	}

	entry, found := s.router.find(req.Method)
	if !found {
		s.metrics.observeRequest(labelUnknown, protocol.CodeMethodNotFound, time.Since(start))
		return protocol.NewErrorResponse(req.ID, protocol.MethodNotFoundError(req.Method))
	}

	if ctx.Err() != nil {
		s.metrics.observeRequest(req.Method, protocol.CodeServerError, time.Since(start))
		return protocol.NewErrorResponse(req.ID, protocol.ServerError("server is shutting down"))
	}

	c := &Context{
		Context:      ctx,
		ConnID:       info.connID,
		RemoteAddr:   info.remote,
		Request:      req,
		handlerChain: entry.chain,
		handlerIdx:   -1,
	}
	resp := s.invoke(c)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.metrics.observeRequest(req.Method, code, time.Since(start))
	return resp
}

// invoke 运行处理链，panic 被转换为 -32603。
func (s *Server) invoke(c *Context) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("jsonrpc2: handler panic",
				zap.String("method", c.Request.Method),
				zap.String("conn_id", c.ConnID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			resp = protocol.NewErrorResponse(c.Request.ID, protocol.InternalError(fmt.Sprint(r)))
		}
	}()

	c.Next()
	if c.responseError != nil {
		return protocol.NewErrorResponse(c.Request.ID, c.responseError)
	}
	result, err := marshalResult(c.responseResult)
	if err != nil {
		s.logger.Error("jsonrpc2: failed to encode result",
			zap.String("method", c.Request.Method), zap.Error(err))
		return protocol.NewErrorResponse(c.Request.ID, protocol.InternalError(err.Error()))
	}
	return protocol.NewResult(c.Request.ID, result)
}

func marshalResult(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return protocol.Null, nil
	case json.RawMessage:
		if len(val) == 0 {
			return protocol.Null, nil
		}
		return val, nil
	}
	return json.Marshal(v)
}

// parseRequest 校验请求对象。返回的 *Request 即使在出错时也可能非空，此时只有 ID 可信。
func parseRequest(raw []byte) (*protocol.Request, *protocol.ErrorObject) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, protocol.ParseError(nil)
	}
	switch raw[0] {
	case '{':
	case '[':
		return nil, protocol.InvalidRequestError("batch requests are not supported")
	default:
		return nil, protocol.InvalidRequestError("request must be an object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, protocol.ParseError(err.Error())
	}

	id, ok := fields["id"]
	if !ok {
		return nil, protocol.InvalidRequestError("id is required")
	}
	if !protocol.ValidID(id) {
		return nil, protocol.InvalidRequestError("id must be a string, an integer or null")
	}
	req := &protocol.Request{ID: id}

	if err := json.Unmarshal(fields["jsonrpc"], &req.Jsonrpc); err != nil || req.Jsonrpc != protocol.Version {
		return req, protocol.InvalidRequestError(`jsonrpc must be "2.0"`)
	}
	method, ok := fields["method"]
	if !ok || json.Unmarshal(method, &req.Method) != nil || bytes.Equal(method, protocol.Null) {
		return req, protocol.InvalidRequestError("method must be a string")
	}
	if params, ok := fields["params"]; ok {
		if len(params) == 0 || (params[0] != '[' && params[0] != '{') {
			return req, protocol.InvalidRequestError("params must be an array or an object")
		}
		req.Params = params
	}
	return req, nil
}
