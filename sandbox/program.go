package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Import names one function a program expects the host to provide.
type Import struct {
	Module string
	Name   string
}

// Program is a compiled guest module that has passed the link check.
type Program struct {
	rt       *Runtime
	compiled wazero.CompiledModule
	exports  map[string]api.FunctionDefinition
}

// Has reports whether the program exports a function called name.
func (p *Program) Has(name string) bool {
	_, ok := p.exports[name]
	return ok
}

// Exports returns the exported function names in lexicographic order.
func (p *Program) Exports() []string {
	names := make([]string, 0, len(p.exports))
	for name := range p.exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Imports returns the imported functions in declaration order.
func (p *Program) Imports() []Import {
	defs := p.compiled.ImportedFunctions()
	out := make([]Import, 0, len(defs))
	for _, def := range defs {
		module, name, _ := def.Import()
		out = append(out, Import{Module: module, Name: name})
	}
	return out
}

// Version is the proxy-wasm ABI revision the program declares.
func (p *Program) Version() abi.Version {
	return abi.DetectVersion(p.Has)
}

// Instantiate creates a fresh instance whose WASI environment holds env.
// The guest's _initialize (reactor) or _start (command) export runs before
// the instance is returned.
func (p *Program) Instantiate(ctx context.Context, env map[string]string) (*Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime()
	if p.rt.cfg.stdout != nil {
		cfg = cfg.WithStdout(p.rt.cfg.stdout)
	}
	if p.rt.cfg.stderr != nil {
		cfg = cfg.WithStderr(p.rt.cfg.stderr)
	}
	for _, k := range sortedKeys(env) {
		cfg = cfg.WithEnv(k, env[k])
	}

	mod, err := p.rt.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLink, err)
	}

	inst := &Instance{mod: mod, defs: p.exports}
	for _, name := range []string{abi.ExportInitialize, abi.ExportStart} {
		if !inst.Has(name) {
			continue
		}
		if _, err := inst.Call(ctx, name); err != nil && !cleanExit(err) {
			mod.Close(ctx)
			return nil, fmt.Errorf("%w: %w", ErrInit, err)
		}
		break
	}
	return inst, nil
}

// Close releases the compiled code. Instances created from it stay usable.
func (p *Program) Close(ctx context.Context) error {
	return p.compiled.Close(ctx)
}

// cleanExit reports whether err is a WASI proc_exit with status 0.
func cleanExit(err error) bool {
	var exit *sys.ExitError
	return errors.As(err, &exit) && exit.ExitCode() == 0
}
