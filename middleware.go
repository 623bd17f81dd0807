package tcpjsonrpc

import (
	"time"

	"go.uber.org/zap"
)

// Use 注册全局中间件，作用于之后通过 Handle/HandleFunc 注册的方法。
func (s *Server) Use(middleware ...HandlerFunc) {
	s.middleware = append(s.middleware, middleware...)
}

func (s *Server) chain(handlers []HandlerFunc) []HandlerFunc {
	chain := make([]HandlerFunc, 0, len(s.middleware)+len(handlers))
	chain = append(chain, s.middleware...)
	return append(chain, handlers...)
}

// LoggingMiddleware 记录每次调用的方法、耗时和错误码。
func LoggingMiddleware(logger *zap.Logger) HandlerFunc {
	return func(ctx *Context) {
		start := time.Now()
		ctx.Next()

		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.ByteString("id", ctx.Request.ID),
			zap.String("conn_id", ctx.ConnID),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err := ctx.GetResponseError(); err != nil {
			logger.Info("jsonrpc2: call failed", append(fields, zap.Int("code", err.Code), zap.String("error", err.Message))...)
			return
		}
		logger.Debug("jsonrpc2: call", fields...)
	}
}
