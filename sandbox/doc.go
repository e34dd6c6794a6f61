// Package sandbox runs proxy-wasm filters inside wazero.
//
// A [Runtime] owns one wazero runtime with WASI preview1 and the "env" host
// module from package hostfunc already instantiated. [Runtime.Compile]
// validates a filter and checks its imports without running it; the
// resulting [Program] can be instantiated any number of times.
//
//	rt, err := sandbox.New(ctx, hostfunc.NewProxyRegistry(), sandbox.WithMemoryLimit(sandbox.MemoryLimit16MB))
//	prog, err := rt.Compile(ctx, code)
//	inst, err := prog.Instantiate(ctx, map[string]string{"MODE": "strict"})
//	action, err := inst.Call(ctx, "proxy_on_request_headers", id, 0, 1)
//
// Failures are classified with [ErrCompile], [ErrLink], [ErrInit] and
// [ErrTrap] so callers can tell a bad binary from a misbehaving guest.
package sandbox
