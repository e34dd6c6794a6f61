package hostfunc

import (
	"context"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero/api"
)

// stub returns a host function with the given parameter types that does
// nothing and reports status. Every proxy-wasm import returns an i32 status.
func stub(name string, status abi.Status, params ...api.ValueType) Func {
	return Func{
		Name:    name,
		Params:  params,
		Results: []api.ValueType{i32},
		Fn: func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeU32(uint32(status))
		},
	}
}

func i32s(n int) []api.ValueType {
	p := make([]api.ValueType, n)
	for i := range p {
		p[i] = i32
	}
	return p
}

// stubFuncs covers the rest of the 0.2.1 import surface. Mutators and
// actions report success, getters report that nothing is there, and
// outbound calls are unimplemented.
func stubFuncs() []Func {
	ok, notFound, unimpl := abi.StatusOK, abi.StatusNotFound, abi.StatusUnimplemented

	return []Func{
		// properties
		stub("proxy_get_property", notFound, i32s(4)...),
		stub("proxy_set_property", ok, i32s(4)...),

		// header maps
		stub("proxy_get_header_map_value", notFound, i32s(5)...),
		stub("proxy_add_header_map_value", ok, i32s(5)...),
		stub("proxy_replace_header_map_value", ok, i32s(5)...),
		stub("proxy_remove_header_map_value", ok, i32s(3)...),
		stub("proxy_get_header_map_pairs", notFound, i32s(3)...),
		stub("proxy_set_header_map_pairs", ok, i32s(3)...),
		stub("proxy_get_header_map_size", notFound, i32s(2)...),

		// buffers
		stub("proxy_set_buffer_bytes", ok, i32s(5)...),

		// stream control
		stub("proxy_continue_stream", ok, i32s(1)...),
		stub("proxy_close_stream", ok, i32s(1)...),
		stub("proxy_continue_request", ok),
		stub("proxy_continue_response", ok),
		stub("proxy_clear_route_cache", ok),

		// shared queues
		stub("proxy_register_shared_queue", ok, i32s(3)...),
		stub("proxy_resolve_shared_queue", notFound, i32s(5)...),
		stub("proxy_dequeue_shared_queue", abi.StatusEmpty, i32s(3)...),
		stub("proxy_enqueue_shared_queue", ok, i32s(3)...),

		// outbound calls
		stub("proxy_http_call", unimpl, i32s(10)...),
		stub("proxy_grpc_call", unimpl, i32s(12)...),
		stub("proxy_grpc_stream", unimpl, i32s(9)...),
		stub("proxy_grpc_send", unimpl, i32s(4)...),
		stub("proxy_grpc_cancel", unimpl, i32s(1)...),
		stub("proxy_grpc_close", unimpl, i32s(1)...),
		stub("proxy_get_status", notFound, i32s(3)...),
		stub("proxy_call_foreign_function", notFound, i32s(6)...),

		// misc
		stub("proxy_done", ok),
		stub("proxy_set_effective_context", ok, i32s(1)...),
		stub("proxy_set_tick_period_milliseconds", ok, i32s(1)...),

		// metrics
		stub("proxy_define_metric", ok, i32s(4)...),
		stub("proxy_increment_metric", ok, i32, i64),
		stub("proxy_record_metric", ok, i32, i64),
		stub("proxy_get_metric", notFound, i32s(2)...),
	}
}
