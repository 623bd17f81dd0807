package tcpjsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

var (
	// ErrClientClosed 表示客户端已关闭或连接已断开。
	ErrClientClosed = errors.New("jsonrpc2: client is shut down or closing")
	// ErrNullID 表示需要响应的调用使用了 null id。
	ErrNullID = errors.New("jsonrpc2: request id cannot be null for a call that expects a reply")
)

// Call 代表一个挂起的 RPC 调用。
type Call struct {
	ID     json.RawMessage
	Method string
	Args   interface{}
	Reply  interface{}
	Error  error
	Done   chan *Call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done 的缓冲由调用方负责，满了就丢弃
	}
}

// ClientOption 配置 Client。
type ClientOption func(*Client)

// WithClientLogger 设置客户端日志。
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Client struct {
	conn   net.Conn
	reader *FrameReader
	logger *zap.Logger

	sendMutex sync.Mutex // 保护对 conn 的写入
	mutex     sync.Mutex // 保护 Client 内部状态 (seq, pending, closing, shutdown)
	seq       uint64
	pending   map[string]*Call
	closing   bool
	shutdown  bool
}

// Dial 连接到指定的 RPC 服务器。
func Dial(addr string, opts ...ClientOption) (*Client, error) {
	return DialContext(context.Background(), addr, opts...)
}

// DialContext 与 Dial 相同，但拨号过程受 ctx 控制。
func DialContext(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "jsonrpc2: dial %s", addr)
	}
	return NewClient(conn, opts...), nil
}

// NewClient 在已建立的连接上创建客户端，并启动接收循环。
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	client := &Client{
		conn:    conn,
		reader:  NewFrameReader(conn, 0),
		logger:  zap.NewNop(),
		pending: make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(client)
	}
	go client.receiveLoop()
	return client
}

// receiveLoop 循环接收服务端的响应。
func (c *Client) receiveLoop() {
	var err error
	for err == nil {
		var raw []byte
		raw, err = c.reader.ReadFrame()
		if err != nil {
			break
		}
		var res protocol.Response
		if uerr := json.Unmarshal(raw, &res); uerr != nil {
			c.logger.Warn("jsonrpc2: undecodable response", zap.Error(uerr))
			continue
		}
		idKey, kerr := idToKey(res.ID)
		if kerr != nil {
			c.logger.Warn("jsonrpc2: response without usable id",
				zap.ByteString("id", res.ID), zap.Any("error", res.Error))
			continue
		}

		c.mutex.Lock()
		call := c.pending[idKey]
		delete(c.pending, idKey)
		c.mutex.Unlock()

		if call == nil {
			c.logger.Warn("jsonrpc2: response for unknown call", zap.ByteString("id", res.ID))
			continue
		}
		switch {
		case res.Error != nil:
			call.Error = res.Error
		case call.Reply != nil:
			call.Error = errors.Wrap(json.Unmarshal(res.Result, call.Reply), "jsonrpc2: decode result")
		}
		call.done()
	}

	// 发生错误，终止所有挂起的调用
	c.mutex.Lock()
	c.shutdown = true
	closing := c.closing
	for key, call := range c.pending {
		call.Error = errors.Wrap(err, "jsonrpc2: connection lost")
		call.done()
		delete(c.pending, key)
	}
	c.mutex.Unlock()
	if !closing {
		c.logger.Debug("jsonrpc2: client receive loop stopped", zap.Error(err))
	}
}

// Close 关闭客户端连接。
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		return ErrClientClosed
	}
	c.closing = true
	c.mutex.Unlock()
	return c.conn.Close()
}

// Call 发起一个同步调用，使用内部自增 ID。
func (c *Client) Call(ctx context.Context, method string, args, reply interface{}) error {
	return c.CallWithID(ctx, c.nextID(), method, args, reply)
}

// Go 发起一个异步调用，使用内部自增 ID。
func (c *Client) Go(method string, args, reply interface{}, done chan *Call) *Call {
	return c.GoWithID(c.nextID(), method, args, reply, done)
}

func (c *Client) nextID() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.seq++
	return c.seq
}

// CallWithID 发起一个同步调用，允许用户指定请求 ID。ctx 结束时放弃等待。
func (c *Client) CallWithID(ctx context.Context, id interface{}, method string, args, reply interface{}) error {
	call := c.GoWithID(id, method, args, reply, make(chan *Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		c.forget(call)
		return errors.Wrap(ctx.Err(), "jsonrpc2: call "+method)
	}
}

// GoWithID 发起一个异步调用，允许用户指定请求 ID。
func (c *Client) GoWithID(id interface{}, method string, args, reply interface{}, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 10) // 缓冲以避免阻塞
	}
	call := &Call{
		Method: method,
		Args:   args,
		Reply:  reply,
		Done:   done,
	}

	c.send(id, call)
	return call
}

// Ping 用于检测客户端连接是否仍然活跃。
func (c *Client) Ping(ctx context.Context) bool {
	var reply string // 期望收到 "pong"
	if err := c.Call(ctx, "ping", nil, &reply); err != nil {
		return false
	}
	return reply == "pong"
}

// send 是一个底层的发送函数，处理所有类型的 ID。
func (c *Client) send(id interface{}, call *Call) {
	if id == nil {
		call.Error = ErrNullID
		call.done()
		return
	}
	rawID, err := json.Marshal(id)
	if err != nil || !protocol.ValidID(rawID) {
		call.Error = errors.Errorf("jsonrpc2: unsupported id type '%T'", id)
		call.done()
		return
	}
	call.ID = rawID
	idKey, err := idToKey(rawID)
	if err != nil {
		call.Error = err
		call.done()
		return
	}

	var params json.RawMessage
	if call.Args != nil {
		if params, err = json.Marshal(call.Args); err != nil {
			call.Error = errors.Wrap(err, "jsonrpc2: encode params")
			call.done()
			return
		}
	}
	b, err := json.Marshal(&protocol.Request{
		Jsonrpc: protocol.Version,
		Method:  call.Method,
		Params:  params,
		ID:      rawID,
	})
	if err != nil {
		call.Error = errors.Wrap(err, "jsonrpc2: encode request")
		call.done()
		return
	}

	c.mutex.Lock()
	if c.shutdown || c.closing {
		c.mutex.Unlock()
		call.Error = ErrClientClosed
		call.done()
		return
	}
	if _, dup := c.pending[idKey]; dup {
		c.mutex.Unlock()
		call.Error = errors.Errorf("jsonrpc2: id %s is already in flight", rawID)
		call.done()
		return
	}
	c.pending[idKey] = call
	c.mutex.Unlock()

	c.sendMutex.Lock()
	_, err = c.conn.Write(b)
	c.sendMutex.Unlock()

	if err != nil {
		if c.forget(call) {
			call.Error = errors.Wrap(err, "jsonrpc2: write request")
			call.done()
		}
	}
}

// forget 从挂起表中删除 call，删除成功时返回 true。
func (c *Client) forget(call *Call) bool {
	key, err := idToKey(call.ID)
	if err != nil {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	// 确保我们删除的是同一个 call
	if c.pending[key] == call {
		delete(c.pending, key)
		return true
	}
	return false
}

// idToKey 将原始 JSON id 转换为 map key，字符串与数字不会互相冲突。
func idToKey(id json.RawMessage) (string, error) {
	if len(id) == 0 || id[0] == 'n' {
		return "", errors.New("jsonrpc2: null id")
	}
	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err != nil {
			return "", errors.Wrap(err, "jsonrpc2: bad string id")
		}
		return "s:" + s, nil
	}
	return "n:" + string(id), nil
}
