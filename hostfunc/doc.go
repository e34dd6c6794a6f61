// Package hostfunc provides the host side of the proxy-wasm import surface.
//
// Host functions are Go functions that sandboxed filters call while one of
// their callbacks runs. They are collected in a [Registry] and defined on
// a wazero host module named "env".
//
// # Registry
//
// [NewProxyRegistry] returns the functions a filter may import:
//
//	registry := hostfunc.NewProxyRegistry()
//	if _, err := registry.Instantiate(ctx, runtime); err != nil {
//	    return err
//	}
//
// proxy_log, proxy_send_local_response, proxy_get_current_time_nanoseconds,
// proxy_get_log_level, proxy_get_buffer_bytes and the shared data pair are
// implemented. Every other 0.2.1 import is a stub with the exact ABI
// signature that returns a neutral status, so filters built against the full
// SDK still link.
//
// # Shared Data
//
// proxy_get_shared_data and proxy_set_shared_data read and write a
// [SharedData] store bounded by [SharedDataConfig]. Each registry creates
// its own store unless one is passed with [WithSharedData]:
//
//	data := hostfunc.NewSharedData(hostfunc.DefaultSharedDataConfig())
//	registry := hostfunc.NewProxyRegistry(hostfunc.WithSharedData(data))
//
// Writes carry a CAS token; a stale non-zero token gets StatusCasMismatch.
//
// # Sinks
//
// Host functions never hold per-request state. The caller of a guest export
// attaches a [Sink] to the call's context with [WithSink], and each host
// function reads it back with [SinkFrom]:
//
//	ctx = hostfunc.WithSink(ctx, requestContext)
//	fn.Call(ctx, id, numHeaders, endOfStream)
//
// A call without a sink gets StatusNotFound from the functions that need one.
package hostfunc
