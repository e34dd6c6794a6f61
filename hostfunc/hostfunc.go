package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var (
	// ErrUnresolved is returned when a guest imports a function the host does not define.
	ErrUnresolved = errors.New("unresolved import")

	// ErrSignature is returned when a guest import has a different type than the host function.
	ErrSignature = errors.New("import signature mismatch")
)

// Func is one host function exported to guests under the "env" module.
type Func struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// ProxyOption configures NewProxyRegistry.
type ProxyOption func(*proxyConfig)

type proxyConfig struct {
	sharedData *SharedData
}

// WithSharedData backs the shared data imports with d instead of a fresh
// store, so that several registries can share entries.
func WithSharedData(d *SharedData) ProxyOption {
	return func(c *proxyConfig) {
		c.sharedData = d
	}
}

// NewProxyRegistry returns a registry holding the proxy-wasm host imports:
// the implemented ones and a neutral stub for every other ABI function.
func NewProxyRegistry(opts ...ProxyOption) *Registry {
	var cfg proxyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sharedData == nil {
		cfg.sharedData = NewSharedData(DefaultSharedDataConfig())
	}

	r := NewRegistry()
	for _, fn := range stubFuncs() {
		r.Register(fn)
	}
	for _, fn := range proxyFuncs() {
		r.Register(fn)
	}
	for _, fn := range sharedDataFuncs(cfg.sharedData) {
		r.Register(fn)
	}
	return r
}

func (r *Registry) Register(fn Func) {
	r.mu.Lock()
	r.funcs[fn.Name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in lexicographic order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Instantiate defines every registered function on a host module named
// "env" in rt. It must run before any guest importing it is instantiated.
func (r *Registry) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	b := rt.NewHostModuleBuilder(abi.ImportModule)
	for _, name := range r.List() {
		fn, _ := r.Get(name)
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
			Export(name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return mod, nil
}

// Check verifies that every "env" import in defs resolves to a registered
// function of the same type. Imports of other modules are ignored; wazero
// resolves those itself.
func (r *Registry) Check(defs []api.FunctionDefinition) error {
	for _, def := range defs {
		module, name, ok := def.Import()
		if !ok || module != abi.ImportModule {
			continue
		}
		fn, found := r.Get(name)
		if !found {
			return fmt.Errorf("%s.%s: %w", module, name, ErrUnresolved)
		}
		if !slices.Equal(fn.Params, def.ParamTypes()) || !slices.Equal(fn.Results, def.ResultTypes()) {
			return fmt.Errorf("%s.%s: %w: host %s, guest %s", module, name, ErrSignature,
				signature(fn.Params, fn.Results), signature(def.ParamTypes(), def.ResultTypes()))
		}
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += " "
		}
		s += api.ValueTypeName(p)
	}
	s += ") -> ("
	for i, p := range results {
		if i > 0 {
			s += " "
		}
		s += api.ValueTypeName(p)
	}
	return s + ")"
}
