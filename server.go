package tcpjsonrpc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/kyle-cao/tcpjsonrpc/protocol"
)

// ErrServerClosed 在 Shutdown 之后由 Serve 和 ListenAndServe 返回。
var ErrServerClosed = errors.New("jsonrpc2: server closed")

// ConnState 表示连接所处的阶段。
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateReading
	StateDispatching
	StateWriting
	StateClosed
)

var connStateName = map[ConnState]string{
	StateAccepted:    "accepted",
	StateReading:     "reading",
	StateDispatching: "dispatching",
	StateWriting:     "writing",
	StateClosed:      "closed",
}

func (c ConnState) String() string {
	return connStateName[c]
}

type Server struct {
	router     *router
	middleware []HandlerFunc

	logger        *zap.Logger
	metrics       *Metrics
	readTimeout   time.Duration
	writeTimeout  time.Duration
	maxConns      int
	maxFrameSize  int
	connStateHook func(net.Conn, ConnState)

	baseCtx    context.Context
	cancel     context.CancelFunc
	inShutdown atomic.Bool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*serverConn]struct{}
}

type serverConn struct {
	net.Conn
	state atomic.Int32
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:       newRouter(),
		logger:       zap.NewNop(),
		maxFrameSize: DefaultMaxFrameSize,
		baseCtx:      ctx,
		cancel:       cancel,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle 注册方法及其处理链。必须在 Serve 之前调用。
func (s *Server) Handle(method string, handlers ...HandlerFunc) {
	if len(handlers) == 0 {
		panic("jsonrpc2: handler chain cannot be empty")
	}
	s.router.add(method, s.chain(handlers)...)
}

// HandleFunc 注册一个普通函数作为方法实现。
func (s *Server) HandleFunc(method string, fn func(ctx context.Context, params json.RawMessage) (interface{}, error)) {
	s.Handle(method, Func(fn))
}

// Methods 返回已注册的方法名。
func (s *Server) Methods() []string {
	return s.router.methods()
}

// ListenAndServe 监听 TCP 地址并开始服务。
func (s *Server) ListenAndServe(addr string) error {
	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "jsonrpc2: listen on %s", addr)
	}
	return s.Serve(listener)
}

// Serve 在 l 上接受连接，每个连接一个 goroutine。Serve 返回时 l 已关闭。
func (s *Server) Serve(l net.Listener) error {
	s.router.freeze()
	if s.maxConns > 0 {
		l = netutil.LimitListener(l, s.maxConns)
	}
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)
	defer l.Close()

	s.logger.Info("jsonrpc2: serving",
		zap.Stringer("addr", l.Addr()),
		zap.Strings("methods", s.Methods()),
	)

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "jsonrpc2: listener closed")
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Warn("jsonrpc2: failed to accept connection",
				zap.Error(err), zap.Duration("retry_in", tempDelay))
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		sc := &serverConn{Conn: conn}
		if !s.trackConn(sc, true) {
			conn.Close()
			return ErrServerClosed
		}
		go s.handleConnection(sc)
	}
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c *serverConn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

func (s *Server) setState(c *serverConn, state ConnState) {
	c.state.Store(int32(state))
	if s.connStateHook != nil {
		s.connStateHook(c.Conn, state)
	}
}

// handleConnection 顺序处理一个连接上的请求：读一帧、分发、写回，直到对端关闭或出错。
func (s *Server) handleConnection(c *serverConn) {
	info := callInfo{connID: uuid.New().String(), remote: c.RemoteAddr()}
	log := s.logger.With(zap.String("conn_id", info.connID), zap.Stringer("remote", info.remote))

	s.metrics.connOpened()
	s.setState(c, StateAccepted)
	log.Debug("jsonrpc2: connection accepted")
	defer func() {
		c.Close()
		s.trackConn(c, false)
		s.metrics.connClosed()
		log.Debug("jsonrpc2: connection closed")
		s.setState(c, StateClosed)
	}()

	reader := NewFrameReader(c, s.maxFrameSize)
	for {
		if s.inShutdown.Load() {
			return
		}
		s.setState(c, StateReading)
		if s.readTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		raw, err := reader.ReadFrame()
		if err != nil {
			switch {
			case err == io.EOF:
				log.Debug("jsonrpc2: peer closed connection")
			case errors.Is(err, ErrMalformedFrame):
				log.Warn("jsonrpc2: dropping connection after bad frame", zap.Error(err))
				s.setState(c, StateWriting)
				s.writeResponse(c, protocol.NewErrorResponse(nil, protocol.ParseError(err.Error())))
			case errors.Is(err, ErrFrameTooLarge):
				// 帧的剩余部分还在流里，无法重新同步
				log.Warn("jsonrpc2: dropping connection after oversized frame", zap.Error(err))
				s.setState(c, StateWriting)
				s.writeResponse(c, protocol.NewErrorResponse(nil, protocol.InvalidRequestError(err.Error())))
			default:
				log.Debug("jsonrpc2: read failed", zap.Error(err))
			}
			return
		}

		s.setState(c, StateDispatching)
		resp := s.dispatch(s.baseCtx, info, raw)

		s.setState(c, StateWriting)
		if err := s.writeResponse(c, resp); err != nil {
			log.Warn("jsonrpc2: failed to write response", zap.Error(err))
			return
		}
	}
}

func (s *Server) writeResponse(c *serverConn, resp *protocol.Response) error {
	b := append(s.encodeResponse(resp), '\n')
	if s.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := c.Write(b)
	return errors.Wrap(err, "jsonrpc2: write response")
}

// Shutdown 停止接受新连接并等待现有连接处理完当前请求。
// 等待中的空闲连接会被直接关闭，全部结束后取消处理器的 base context。
// ctx 到期时立即取消 base context，强制关闭剩余连接并返回 ctx.Err()。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.closeIdleConns() {
			s.cancel()
			return err
		}
		select {
		case <-ctx.Done():
			s.cancel()
			s.closeAllConns()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeIdleConns 关闭正在等待请求的连接，所有连接都已结束时返回 true。
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		state := ConnState(c.state.Load())
		if state == StateReading || state == StateAccepted {
			c.Close()
		}
	}
	return len(s.conns) == 0
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
