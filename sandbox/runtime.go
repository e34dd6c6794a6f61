package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var (
	ErrCompile = errors.New("invalid module")
	ErrLink    = errors.New("link failed")
	ErrInit    = errors.New("initialization failed")
	ErrTrap    = errors.New("guest trap")
	ErrClosed  = errors.New("runtime closed")
)

// Runtime owns a wazero runtime with WASI and the proxy-wasm host module
// instantiated once. Programs compiled by it share both.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	registry *hostfunc.Registry
	cfg      runtimeConfig
	mu       sync.Mutex
	closed   bool
}

// New creates a Runtime whose guests link against registry.
func New(ctx context.Context, registry *hostfunc.Registry, opts ...Option) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if registry == nil {
		registry = hostfunc.NewProxyRegistry()
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	cleanup := func() {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		cleanup()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if _, err := registry.Instantiate(ctx, rt); err != nil {
		cleanup()
		return nil, err
	}

	return &Runtime{
		runtime:  rt,
		cache:    cache,
		registry: registry,
		cfg:      cfg,
	}, nil
}

// Compile validates code and checks that every import it declares can be
// linked. It does not run any guest code.
func (r *Runtime) Compile(ctx context.Context, code []byte) (*Program, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	compiled, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	imports := compiled.ImportedFunctions()
	for _, def := range imports {
		module, name, _ := def.Import()
		if module != abi.ImportModule && module != abi.WASIModule {
			compiled.Close(ctx)
			return nil, fmt.Errorf("%w: %s.%s: unknown import module", ErrLink, module, name)
		}
	}
	if err := r.registry.Check(imports); err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrLink, err)
	}

	return &Program{
		rt:       r,
		compiled: compiled,
		exports:  compiled.ExportedFunctions(),
	}, nil
}

// Close releases the runtime and every module instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Imports lists the host functions guests of this runtime may import.
func (r *Runtime) Imports() []string {
	return r.registry.List()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "lswasm")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "lswasm")
	}
	return filepath.Join(os.TempDir(), "lswasm-cache")
}
