package hostfunc

import (
	"context"
	"time"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero/api"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func proxyFuncs() []Func {
	return []Func{
		{
			Name:    abi.ImportLog,
			Params:  []api.ValueType{i32, i32, i32},
			Results: []api.ValueType{i32},
			Fn:      proxyLog,
		},
		{
			Name:    abi.ImportSendLocalResponse,
			Params:  []api.ValueType{i32, i32, i32, i32, i32, i32, i32, i32},
			Results: []api.ValueType{i32},
			Fn:      proxySendLocalResponse,
		},
		{
			Name:    abi.ImportGetCurrentTimeNanoseconds,
			Params:  []api.ValueType{i32},
			Results: []api.ValueType{i32},
			Fn:      proxyGetCurrentTime,
		},
		{
			Name:    abi.ImportGetLogLevel,
			Params:  []api.ValueType{i32},
			Results: []api.ValueType{i32},
			Fn:      proxyGetLogLevel,
		},
		{
			Name:    abi.ImportGetBufferBytes,
			Params:  []api.ValueType{i32, i32, i32, i32, i32},
			Results: []api.ValueType{i32},
			Fn:      proxyGetBufferBytes,
		},
	}
}

func setStatus(stack []uint64, s abi.Status) {
	stack[0] = api.EncodeU32(uint32(s))
}

// proxy_log(level, message_ptr, message_size) -> status
func proxyLog(ctx context.Context, mod api.Module, stack []uint64) {
	level := abi.LogLevel(api.DecodeU32(stack[0]))
	msg, ok := readString(mod, stack[1], stack[2])
	if !ok {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}

	sink := SinkFrom(ctx)
	if sink == nil {
		setStatus(stack, abi.StatusNotFound)
		return
	}
	sink.Log(level, msg)
	setStatus(stack, abi.StatusOK)
}

// proxy_send_local_response(status_code, details_ptr, details_size,
// body_ptr, body_size, headers_ptr, headers_size, grpc_status) -> status
func proxySendLocalResponse(ctx context.Context, mod api.Module, stack []uint64) {
	details, ok := readString(mod, stack[1], stack[2])
	if !ok {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}
	body, ok := readBytes(mod, stack[3], stack[4])
	if !ok {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}
	raw, ok := readBytes(mod, stack[5], stack[6])
	if !ok {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}
	headers, err := abi.DecodePairs(raw)
	if err != nil {
		setStatus(stack, abi.StatusBadArgument)
		return
	}

	sink := SinkFrom(ctx)
	if sink == nil {
		setStatus(stack, abi.StatusNotFound)
		return
	}
	sink.SendLocalResponse(LocalResponse{
		StatusCode: api.DecodeU32(stack[0]),
		Details:    details,
		Body:       body,
		Headers:    headers,
		GRPCStatus: api.DecodeI32(stack[7]),
	})
	setStatus(stack, abi.StatusOK)
}

// proxy_get_current_time_nanoseconds(return_time) -> status
func proxyGetCurrentTime(ctx context.Context, mod api.Module, stack []uint64) {
	now := time.Now()
	if sink := SinkFrom(ctx); sink != nil {
		now = sink.Now()
	}
	if !mod.Memory().WriteUint64Le(api.DecodeU32(stack[0]), uint64(now.UnixNano())) {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}
	setStatus(stack, abi.StatusOK)
}

// proxy_get_log_level(return_level) -> status
func proxyGetLogLevel(ctx context.Context, mod api.Module, stack []uint64) {
	level := abi.LogInfo
	if sink := SinkFrom(ctx); sink != nil {
		level = sink.LogLevel()
	}
	if !mod.Memory().WriteUint32Le(api.DecodeU32(stack[0]), uint32(level)) {
		setStatus(stack, abi.StatusInvalidMemoryAccess)
		return
	}
	setStatus(stack, abi.StatusOK)
}

// proxy_get_buffer_bytes(buffer_type, start, max_size, return_ptr, return_size) -> status
func proxyGetBufferBytes(ctx context.Context, mod api.Module, stack []uint64) {
	sink := SinkFrom(ctx)
	if sink == nil {
		setStatus(stack, abi.StatusNotFound)
		return
	}
	buf, ok := sink.Buffer(abi.BufferType(api.DecodeU32(stack[0])))
	if !ok {
		setStatus(stack, abi.StatusNotFound)
		return
	}

	start := uint64(api.DecodeU32(stack[1]))
	limit := uint64(api.DecodeU32(stack[2]))
	if start > uint64(len(buf)) {
		setStatus(stack, abi.StatusBadArgument)
		return
	}
	end := min(start+limit, uint64(len(buf)))

	setStatus(stack, writeBytes(ctx, mod, buf[start:end], api.DecodeU32(stack[3]), api.DecodeU32(stack[4])))
}
