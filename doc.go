// Package lswasm runs proxy-wasm filters in front of HTTP requests.
//
// # Overview
//
// Filters are WebAssembly modules built against the proxy-wasm ABI. Each is
// loaded into its own wazero instance under a name, and every request is
// passed through the loaded filters phase by phase. A filter may answer a
// request itself with a local response; a local response sent while the
// request headers are processed ends the request at once.
//
// # Basic Usage
//
//	rt, _ := sandbox.New(ctx, hostfunc.NewProxyRegistry())
//	mgr := filter.NewManager(filter.NewWazeroEngine(rt))
//	defer mgr.Close(ctx)
//
//	mgr.LoadModuleFile(ctx, "auth", "auth.wasm", map[string]string{"REALM": "api"})
//
//	handler := server.NewHandler(mgr, filter.NewPipeline(mgr), logger)
//	srv := server.New(handler, server.WithMaxRequestBytes(1<<20))
//	srv.ListenAndServe(ctx, 8080, "")
//
// # Packages
//
// [abi] holds the ABI constants and the header pairs codec. [hostfunc]
// implements the host imports, [sandbox] compiles and instantiates guests,
// [filter] owns modules, contexts and phase dispatch, and [server] is the
// HTTP/1.1 front door. The lswasm command in cmd/lswasm wires them together.
package lswasm
