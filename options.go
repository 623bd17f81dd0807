package tcpjsonrpc

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// Option 配置 Server。
type Option func(*Server)

// WithLogger 设置日志。默认不输出。
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 启用 prometheus 指标。
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithReadTimeout 设置等待下一个请求的最长时间，0 表示不限。
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// WithWriteTimeout 设置写出一个响应的最长时间，0 表示不限。
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithMaxConnections 限制同时服务的连接数，超出的连接在 accept 处排队。0 表示不限。
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithMaxFrameSize 设置单个请求的字节上限。
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// WithConnStateHook 在每个连接状态变化时调用 hook。
func WithConnStateHook(hook func(net.Conn, ConnState)) Option {
	return func(s *Server) {
		s.connStateHook = hook
	}
}
