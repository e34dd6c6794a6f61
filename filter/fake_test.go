package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/sandbox"
)

// fakeFunc is a guest export implemented in Go. It reaches the host the way
// a wasm guest does, through the sink on ctx.
type fakeFunc struct {
	params int
	fn     func(ctx context.Context, args []uint64) (uint64, error)
}

type fakeCall struct {
	name string
	args []uint64
}

// fakeGuest is the code behind one fake module binary.
type fakeGuest struct {
	exports        map[string]fakeFunc
	compileErr     error
	instantiateErr error

	mu    sync.Mutex
	calls []fakeCall
	env   map[string]string
}

// newFakeGuest returns a 0.2.1 guest exporting an allocator, the lifecycle
// callbacks (all accepting) and every stream callback (all continuing).
func newFakeGuest() *fakeGuest {
	g := &fakeGuest{exports: make(map[string]fakeFunc)}
	g.set(abi.ExportABIVersion021, 0, nil)
	g.set(abi.ExportMalloc, 1, func(context.Context, []uint64) (uint64, error) { return 1024, nil })

	accept := func(context.Context, []uint64) (uint64, error) { return 1, nil }
	g.set(abi.ExportOnVMStart, 2, accept)
	g.set(abi.ExportValidateConfiguration, 2, accept)
	g.set(abi.ExportOnConfigure, 2, accept)
	g.set(abi.ExportOnContextCreate, 2, nil)

	for _, name := range []string{abi.ExportOnRequestHeaders, abi.ExportOnRequestBody, abi.ExportOnResponseHeaders, abi.ExportOnResponseBody} {
		g.set(name, 3, nil)
	}
	for _, name := range []string{abi.ExportOnRequestTrailers, abi.ExportOnResponseTrailers} {
		g.set(name, 2, nil)
	}
	for _, name := range []string{abi.ExportOnDone, abi.ExportOnLog, abi.ExportOnDelete} {
		g.set(name, 1, nil)
	}
	return g
}

// set defines export name. A nil fn returns 0.
func (g *fakeGuest) set(name string, params int, fn func(ctx context.Context, args []uint64) (uint64, error)) {
	if fn == nil {
		fn = func(context.Context, []uint64) (uint64, error) { return 0, nil }
	}
	g.exports[name] = fakeFunc{params: params, fn: fn}
}

func (g *fakeGuest) remove(names ...string) {
	for _, name := range names {
		delete(g.exports, name)
	}
}

func (g *fakeGuest) record(name string, args []uint64) {
	g.mu.Lock()
	g.calls = append(g.calls, fakeCall{name: name, args: append([]uint64(nil), args...)})
	g.mu.Unlock()
}

// callsFor returns the export names invoked with id as first argument.
func (g *fakeGuest) callsFor(id uint32) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var names []string
	for _, c := range g.calls {
		if len(c.args) > 0 && c.args[0] == uint64(id) {
			names = append(names, c.name)
		}
	}
	return names
}

func (g *fakeGuest) called(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (g *fakeGuest) lastArgs(name string) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if g.calls[i].name == name {
			return g.calls[i].args
		}
	}
	return nil
}

// fakeEngine maps module binaries to fake guests by their bytes.
type fakeEngine struct {
	mu     sync.Mutex
	guests map[string]*fakeGuest
	closed bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{guests: make(map[string]*fakeGuest)}
}

// add registers g and returns the bytes that compile to it.
func (e *fakeEngine) add(code string, g *fakeGuest) []byte {
	e.mu.Lock()
	e.guests[code] = g
	e.mu.Unlock()
	return []byte(code)
}

func (e *fakeEngine) Compile(_ context.Context, code []byte) (Program, error) {
	e.mu.Lock()
	g, ok := e.guests[string(code)]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: not a known fake module", sandbox.ErrCompile)
	}
	if g.compileErr != nil {
		return nil, g.compileErr
	}
	return &fakeProgram{g: g}, nil
}

func (e *fakeEngine) Close(context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type fakeProgram struct {
	g *fakeGuest
}

func (p *fakeProgram) Has(name string) bool {
	_, ok := p.g.exports[name]
	return ok
}

func (p *fakeProgram) Instantiate(_ context.Context, env map[string]string) (Instance, error) {
	if p.g.instantiateErr != nil {
		return nil, p.g.instantiateErr
	}
	p.g.mu.Lock()
	p.g.env = env
	p.g.mu.Unlock()
	return &fakeInstance{g: p.g}, nil
}

func (p *fakeProgram) Close(context.Context) error { return nil }

type fakeInstance struct {
	g *fakeGuest
}

func (i *fakeInstance) Has(name string) bool {
	_, ok := i.g.exports[name]
	return ok
}

func (i *fakeInstance) ParamCount(name string) int {
	f, ok := i.g.exports[name]
	if !ok {
		return -1
	}
	return f.params
}

func (i *fakeInstance) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	f, ok := i.g.exports[name]
	if !ok {
		return 0, fmt.Errorf("%w: no export %q", sandbox.ErrLink, name)
	}
	i.g.record(name, args)
	res, err := f.fn(ctx, args)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", sandbox.ErrTrap, name, err)
	}
	return res, nil
}

func (i *fakeInstance) Close(context.Context) error { return nil }
