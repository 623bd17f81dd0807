package tcpjsonrpc

import (
	"strings"
	"sync"
	"sync/atomic"
)

// handlerEntry 直接存储处理器链
type handlerEntry struct {
	chain []HandlerFunc
}

// router 是方法注册表。服务启动时冻结，之后只读，查找不再加锁。
type router struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	handlers map[string]*handlerEntry
}

func newRouter() *router {
	return &router{
		handlers: make(map[string]*handlerEntry),
	}
}

// add 接收一个或多个 HandlerFunc，它们共同构成一个处理链
func (r *router) add(method string, handlers ...HandlerFunc) {
	if len(handlers) == 0 {
		panic("jsonrpc2: handler chain cannot be empty")
	}
	if method == "" {
		panic("jsonrpc2: method name cannot be empty")
	}
	if isReserved(method) {
		panic("jsonrpc2: method names starting with rpc. are reserved")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		panic("jsonrpc2: cannot register " + method + " after the server has started")
	}
	r.handlers[method] = &handlerEntry{
		chain: handlers,
	}
}

// freeze 之后注册表不可再修改。
func (r *router) freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *router) find(method string) (*handlerEntry, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	entry, ok := r.handlers[method]
	return entry, ok
}

func (r *router) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

func isReserved(method string) bool {
	return strings.HasPrefix(strings.ToLower(method), "rpc.")
}
