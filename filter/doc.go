// Package filter loads proxy-wasm filters and drives them through the
// phases of HTTP requests.
//
// # Quick Start
//
//	rt, err := sandbox.New(ctx, hostfunc.NewProxyRegistry())
//	if err != nil {
//	    return err
//	}
//	mgr := filter.NewManager(filter.NewWazeroEngine(rt), filter.WithLogger(logger))
//	defer mgr.Close(ctx)
//
//	if err := mgr.LoadModule(ctx, "auth", code, map[string]string{"REALM": "api"}); err != nil {
//	    return err
//	}
//
//	id, _ := mgr.NextContextID()
//	res := filter.NewPipeline(mgr).Run(ctx, id, &filter.Stream{RequestBody: body})
//	if res.Local != nil {
//	    // a filter answered the request itself
//	}
//
// # Modules and Contexts
//
// A [Module] is one instantiated filter. Every request passing through it
// gets its own [Context], keyed by the request's context id, created on the
// first dispatch and removed after [PhaseDone] or [Manager.Retire]. Contexts
// of different requests never share state, even on the same module. Calls
// into one module are serialized because a wasm instance is not reentrant.
//
// Context ids come from [Manager.NextContextID]: they start at 1, strictly
// increase and are never reused, across unloads and reloads included.
//
// # Phases
//
// [Phase] is a closed enumeration. [Manager.Dispatch] rejects phases
// outside it with [KindUnknownPhase] and phases that do not move a context
// forward with [KindPhaseOrder]. A filter that does not export a phase's
// callback simply continues.
//
// # Failures
//
// Load failures are [*Error] values with Op "load" and leave the registry
// untouched. A trap inside a callback is returned as [KindGuestTrap]; it
// retires the context and poisons the module, so later dispatches fail
// with [KindPoisoned] until the module is unloaded and loaded again.
//
// [Pipeline] applies a [FailurePolicy] to callback failures. [FailOpen],
// the default, drops the failing module from the request and continues.
package filter
