package filter

import (
	"context"

	"github.com/caffeineduck/lswasm/sandbox"
)

// Engine compiles guest bytecode. Compile errors wrap sandbox.ErrCompile
// or sandbox.ErrLink.
type Engine interface {
	Compile(ctx context.Context, code []byte) (Program, error)
	Close(ctx context.Context) error
}

// Program is compiled guest code. Instantiate errors wrap sandbox.ErrLink
// or sandbox.ErrInit.
type Program interface {
	Has(name string) bool
	Instantiate(ctx context.Context, env map[string]string) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a running guest. Callers serialize Call.
type Instance interface {
	Has(name string) bool
	ParamCount(name string) int
	Call(ctx context.Context, name string, args ...uint64) (uint64, error)
	Close(ctx context.Context) error
}

// NewWazeroEngine adapts a sandbox runtime to Engine.
func NewWazeroEngine(rt *sandbox.Runtime) Engine {
	return &wazeroEngine{rt: rt}
}

type wazeroEngine struct {
	rt *sandbox.Runtime
}

func (e *wazeroEngine) Compile(ctx context.Context, code []byte) (Program, error) {
	p, err := e.rt.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	return &wazeroProgram{p: p}, nil
}

func (e *wazeroEngine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

type wazeroProgram struct {
	p *sandbox.Program
}

func (w *wazeroProgram) Has(name string) bool {
	return w.p.Has(name)
}

func (w *wazeroProgram) Instantiate(ctx context.Context, env map[string]string) (Instance, error) {
	inst, err := w.p.Instantiate(ctx, env)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (w *wazeroProgram) Close(ctx context.Context) error {
	return w.p.Close(ctx)
}
