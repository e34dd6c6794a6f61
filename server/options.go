package server

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxRequestBytes caps the bytes buffered for one request. Larger
// requests are dropped without a response.
func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestBytes = n
		}
	}
}

// WithMaxConns bounds the connections served at once. Zero means no bound.
func WithMaxConns(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.conns = semaphore.NewWeighted(int64(n))
		} else {
			s.conns = nil
		}
	}
}

// WithReadTimeout bounds how long a client may take to send its request.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}
