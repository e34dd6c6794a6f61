package filter

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LocalResponse is a response captured from a filter's
// proxy_send_local_response call.
type LocalResponse = hostfunc.LocalResponse

// Stream carries the data of one HTTP exchange. Attach it to the dispatch
// context with WithStream; callbacks see its header counts and body sizes
// and read the bodies through proxy_get_buffer_bytes.
type Stream struct {
	RequestHeaders   [][2]string
	RequestBody      []byte
	RequestTrailers  [][2]string
	ResponseHeaders  [][2]string
	ResponseBody     []byte
	ResponseTrailers [][2]string
}

type streamKey struct{}

// WithStream returns a context carrying s for Manager.Dispatch.
func WithStream(ctx context.Context, s *Stream) context.Context {
	return context.WithValue(ctx, streamKey{}, s)
}

func streamFrom(ctx context.Context) *Stream {
	if s, ok := ctx.Value(streamKey{}).(*Stream); ok && s != nil {
		return s
	}
	return &Stream{}
}

// Context is the per-request state of one module. It is the hostfunc.Sink
// for every callback made on its behalf.
type Context struct {
	id     uint32
	module *Module

	mu     sync.Mutex
	phase  Phase
	stream *Stream
	logs   strings.Builder
	local  *LocalResponse

	// responses counts proxy_send_local_response calls.
	responses uint64

	// allocErr is the first failed guest allocation.
	allocErr error
}

var (
	_ hostfunc.Sink               = (*Context)(nil)
	_ hostfunc.AllocationReporter = (*Context)(nil)
)

func newContext(m *Module, id uint32) *Context {
	return &Context{id: id, module: m, phase: PhaseCreated}
}

func (c *Context) ID() uint32 {
	return c.id
}

func (c *Context) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Logs returns everything the filter logged on this context, one line per call.
func (c *Context) Logs() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs.String()
}

// LocalResponse returns a copy of the captured local response.
func (c *Context) LocalResponse() (LocalResponse, bool) {
	lr, _, ok := c.localResponse()
	return lr, ok
}

// localResponse also returns how many responses the filter has sent, so a
// caller can tell a new response from one it has already seen.
func (c *Context) localResponse() (LocalResponse, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return LocalResponse{}, 0, false
	}
	lr := *c.local
	lr.Body = slices.Clone(lr.Body)
	lr.Headers = slices.Clone(lr.Headers)
	return lr, c.responses, true
}

// advance moves the context to phase p, which must be later than the
// current phase.
func (c *Context) advance(p Phase, s *Stream) (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p <= c.phase {
		return c.phase, false
	}
	c.phase = p
	c.stream = s
	return p, true
}

func (c *Context) retire() {
	c.mu.Lock()
	c.phase = PhaseRetired
	c.stream = nil
	c.mu.Unlock()
}

func (c *Context) Log(level abi.LogLevel, message string) {
	c.mu.Lock()
	c.logs.WriteString(message)
	c.logs.WriteByte('\n')
	c.mu.Unlock()

	if ce := c.module.logger.Check(zapLevel(level), message); ce != nil {
		ce.Write(
			zap.String("module", c.module.name),
			zap.Uint32("context_id", c.id),
			zap.Stringer("guest_level", level),
		)
	}
}

func (c *Context) SendLocalResponse(resp LocalResponse) {
	c.mu.Lock()
	c.local = &resp
	c.responses++
	c.mu.Unlock()

	c.module.logger.Debug("local response captured",
		zap.String("module", c.module.name),
		zap.Uint32("context_id", c.id),
		zap.Uint32("status", resp.StatusCode),
		zap.Int("body_bytes", len(resp.Body)),
	)
}

func (c *Context) AllocationFailed(size int, err error) {
	c.mu.Lock()
	if c.allocErr == nil {
		c.allocErr = fmt.Errorf("allocate %d bytes for a host call result: %w", size, err)
	}
	c.mu.Unlock()

	c.module.logger.Warn("guest allocation failed",
		zap.String("module", c.module.name),
		zap.Uint32("context_id", c.id),
		zap.Int("size", size),
		zap.Error(err),
	)
}

// allocationError returns the first allocation failure seen on c.
func (c *Context) allocationError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocErr
}

func (c *Context) LogLevel() abi.LogLevel {
	return c.module.mgr.guestLogLevel
}

func (c *Context) Buffer(t abi.BufferType) ([]byte, bool) {
	switch t {
	case abi.BufferVMConfiguration:
		return c.module.vmConfig, true
	case abi.BufferPluginConfiguration:
		return c.module.pluginConfig, true
	}

	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return nil, false
	}
	switch t {
	case abi.BufferHTTPRequestBody:
		return s.RequestBody, true
	case abi.BufferHTTPResponseBody:
		return s.ResponseBody, true
	default:
		return nil, false
	}
}

func (c *Context) Now() time.Time {
	return c.module.mgr.clock()
}

func zapLevel(l abi.LogLevel) zapcore.Level {
	switch l {
	case abi.LogTrace, abi.LogDebug:
		return zapcore.DebugLevel
	case abi.LogInfo:
		return zapcore.InfoLevel
	case abi.LogWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
