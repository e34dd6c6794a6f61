package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxRequestBytes caps a buffered request, headers and body together.
const DefaultMaxRequestBytes = 1 << 20

// Server accepts connections and serves one request on each.
type Server struct {
	handler         *Handler
	logger          *zap.Logger
	maxRequestBytes int64
	readTimeout     time.Duration
	conns           *semaphore.Weighted
}

// New returns a Server dispatching requests to h.
func New(h *Handler, opts ...Option) *Server {
	s := &Server{
		handler:         h,
		logger:          zap.NewNop(),
		maxRequestBytes: DefaultMaxRequestBytes,
		readTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen opens the listening socket. A non-empty uds path wins over port;
// a stale socket file at that path is removed first.
func Listen(port int, uds string) (net.Listener, error) {
	if uds != "" {
		if err := os.Remove(uds); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", uds, err)
		}
		ln, err := net.Listen("unix", uds)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", uds, err)
		}
		return ln, nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe listens as Listen does and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port int, uds string) error {
	ln, err := Listen(port, uds)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for the connections in flight. Each connection is handled on its
// own goroutine; failures on one never affect another. A failed Accept is
// logged and retried after a backoff; only a closed listener ends the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
		var delay time.Duration
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accept: %w", err)
				}
				delay = acceptBackoff(delay)
				s.logger.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}
			delay = 0

			if s.conns != nil {
				if err := s.conns.Acquire(gctx, 1); err != nil {
					conn.Close()
					return nil
				}
			}
			g.Go(func() error {
				if s.conns != nil {
					defer s.conns.Release(1)
				}
				s.serveConn(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.logger.Info("server stopped", zap.Error(err))
	return err
}

// acceptBackoff returns the wait before the next Accept after a failure,
// doubling from 5ms up to one second.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(2*prev, time.Second)
}

// serveConn reads one request from conn, answers it and closes conn.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	req, body, err := readRequest(conn, s.maxRequestBytes)
	if err != nil {
		s.logger.Warn("connection dropped", zap.String("remote", remote), zap.Error(err))
		return
	}

	resp, err := s.handler.Handle(ctx, req, body)
	if err != nil {
		s.logger.Error("request failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	if err := resp.Write(conn); err != nil {
		s.logger.Warn("write response failed", zap.String("remote", remote), zap.Error(err))
	}
}
