package tcpjsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

// HandlerFunc 是处理链上的一个环节，可以是中间件，也可以是最终的方法实现。
type HandlerFunc func(*Context)

// Context 封装了单次 RPC 调用的所有信息。
type Context struct {
	context.Context
	ConnID     string
	RemoteAddr net.Addr
	Request    *protocol.Request
	store      map[string]interface{}
	storeMutex sync.RWMutex
	// 内部字段
	responseResult interface{}
	responseError  *protocol.ErrorObject
	handlerChain   []HandlerFunc
	handlerIdx     int
}

// Next 调用处理链中的下一个处理器。
func (c *Context) Next() {
	c.handlerIdx++
	if c.handlerIdx < len(c.handlerChain) {
		c.handlerChain[c.handlerIdx](c)
	}
}

// GetResponseError 获取由处理器设置的错误响应。
func (c *Context) GetResponseError() *protocol.ErrorObject {
	return c.responseError
}

// GetResponseResult 返回由处理器设置的成功响应结果。
func (c *Context) GetResponseResult() interface{} {
	return c.responseResult
}

// Bind 将请求的 Params 解析到指定的指针中。失败时返回的错误包装了 protocol.ErrInvalidParams。
func (c *Context) Bind(v interface{}) error {
	if len(c.Request.Params) == 0 {
		return errors.Wrap(protocol.ErrInvalidParams, "params are missing")
	}
	if err := json.Unmarshal(c.Request.Params, v); err != nil {
		return errors.Wrap(protocol.ErrInvalidParams, err.Error())
	}
	return nil
}

// Result 设置成功的响应结果。
func (c *Context) Result(data interface{}) {
	c.responseResult = data
}

// Error 设置失败的响应。
func (c *Context) Error(err *protocol.ErrorObject) {
	c.responseError = err
}

// Fail 按 protocol.ErrorFrom 的规则把任意 error 设为失败响应。
func (c *Context) Fail(err error) {
	c.responseError = protocol.ErrorFrom(err)
}

// Set 在中间件之间安全地传递数据。
func (c *Context) Set(key string, value interface{}) {
	c.storeMutex.Lock()
	defer c.storeMutex.Unlock()
	if c.store == nil {
		c.store = make(map[string]interface{})
	}
	c.store[key] = value
}

// Get 从上下文中安全地获取数据。
func (c *Context) Get(key string) (interface{}, bool) {
	c.storeMutex.RLock()
	defer c.storeMutex.RUnlock()
	value, ok := c.store[key]
	return value, ok
}

// Func 把普通函数适配为 HandlerFunc。
func Func(fn func(ctx context.Context, params json.RawMessage) (interface{}, error)) HandlerFunc {
	return func(c *Context) {
		result, err := fn(c, c.Request.Params)
		if err != nil {
			c.Fail(err)
			return
		}
		c.Result(result)
	}
}
