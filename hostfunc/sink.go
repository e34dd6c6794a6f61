package hostfunc

import (
	"context"
	"time"

	"github.com/caffeineduck/lswasm/abi"
)

// LocalResponse is a response a guest asked the host to send in place of
// normal processing.
type LocalResponse struct {
	StatusCode uint32
	Details    string
	Body       []byte
	Headers    [][2]string
	GRPCStatus int32
}

// Sink receives the host calls a guest makes while one of its callbacks runs.
type Sink interface {
	Log(level abi.LogLevel, message string)
	SendLocalResponse(resp LocalResponse)

	// LogLevel is the minimum level the guest should emit.
	LogLevel() abi.LogLevel

	// Buffer returns the named buffer, or false when the current callback
	// has no such buffer.
	Buffer(t abi.BufferType) ([]byte, bool)

	Now() time.Time
}

// AllocationReporter is implemented by sinks that want to know when a host
// call could not allocate guest memory to hand a result back.
type AllocationReporter interface {
	AllocationFailed(size int, err error)
}

type sinkKey struct{}

// WithSink returns a context that routes host calls made during a guest
// call to s.
func WithSink(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

// SinkFrom returns the sink set by WithSink, or nil.
func SinkFrom(ctx context.Context) Sink {
	s, _ := ctx.Value(sinkKey{}).(Sink)
	return s
}
