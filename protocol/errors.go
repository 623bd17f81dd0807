package protocol

import (
	"github.com/pkg/errors"
)

// 标准 JSON-RPC 2.0 错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError 是实现自定义的服务端错误，用于过载或关闭中。
	CodeServerError = -32000
)

// ErrInvalidParams 由处理器包装返回，表示参数形状不匹配。
var ErrInvalidParams = errors.New("invalid params")

func NewError(code int, message string, data interface{}) *ErrorObject {
	return &ErrorObject{Code: code, Message: message, Data: data}
}

func ParseError(data interface{}) *ErrorObject {
	return NewError(CodeParseError, "Parse error", data)
}

func InvalidRequestError(data interface{}) *ErrorObject {
	return NewError(CodeInvalidRequest, "Invalid Request", data)
}

func MethodNotFoundError(data interface{}) *ErrorObject {
	return NewError(CodeMethodNotFound, "Method not found", data)
}

func InvalidParamsError(data interface{}) *ErrorObject {
	return NewError(CodeInvalidParams, "Invalid params", data)
}

func InternalError(data interface{}) *ErrorObject {
	return NewError(CodeInternalError, "Internal error", data)
}

func ServerError(data interface{}) *ErrorObject {
	return NewError(CodeServerError, "Server error", data)
}

// ErrorFrom 将处理器返回的任意 error 映射为错误对象：
// *ErrorObject 原样返回，ErrInvalidParams 映射为 -32602，其余为 -32603。
func ErrorFrom(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	var obj *ErrorObject
	if errors.As(err, &obj) {
		return obj
	}
	if errors.Is(err, ErrInvalidParams) {
		return InvalidParamsError(err.Error())
	}
	return InternalError(err.Error())
}
