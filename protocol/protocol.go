package protocol

import (
	"bytes"
	"encoding/json"
)

// Version 是唯一支持的协议版本
const Version = "2.0"

// Null 是 JSON 的 null 字面量
var Null = json.RawMessage("null")

// Request 代表一个 JSON-RPC 2.0 请求对象。
// ID 保留原始 JSON，响应时原样回写。
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response 代表一个 JSON-RPC 2.0 响应对象，Result 与 Error 有且只有一个。
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject 代表响应中的错误详情
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error 实现了 Go 的 error 接口
func (e *ErrorObject) Error() string {
	return e.Message
}

// NewResult 构造成功响应。result 为 nil 时编码为 null。
func NewResult(id, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = Null
	}
	return &Response{Jsonrpc: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse 构造失败响应，id 未知时为 null。
func NewErrorResponse(id json.RawMessage, err *ErrorObject) *Response {
	return &Response{Jsonrpc: Version, ID: normalizeID(id), Error: err}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return Null
	}
	return id
}

// ValidID 检查 id 是否为字符串、整数或 null。
func ValidID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case 'n':
		return bytes.Equal(id, Null)
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	default:
		var n json.Number
		if err := json.Unmarshal(id, &n); err != nil {
			return false
		}
		_, err := n.Int64()
		return err == nil || bytes.IndexAny(id, ".eE") < 0
	}
}
