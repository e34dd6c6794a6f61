package filter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/caffeineduck/lswasm/sandbox"
	"go.uber.org/zap"
)

// Context ids at or above rootContextBase belong to module root contexts;
// request ids are allocated below it.
const rootContextBase uint32 = 1 << 31

// Manager owns the loaded modules and routes phase dispatches to them.
type Manager struct {
	engine        Engine
	logger        *zap.Logger
	clock         func() time.Time
	guestLogLevel abi.LogLevel

	mu      sync.RWMutex
	modules map[string]*Module
	loading map[string]struct{}
	loads   uint32

	// unloaded maps the name of each unloaded module to the last context
	// id issued before the unload.
	unloaded map[string]uint32

	lastID atomic.Uint32
}

// NewManager returns an empty Manager that compiles guests with engine.
func NewManager(engine Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:        engine,
		logger:        zap.NewNop(),
		clock:         time.Now,
		guestLogLevel: abi.LogInfo,
		modules:       make(map[string]*Module),
		loading:       make(map[string]struct{}),
		unloaded:      make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadModuleFile reads path and loads it under name.
func (m *Manager) LoadModuleFile(ctx context.Context, name, path string, env map[string]string, opts ...LoadOption) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: OpLoad, Kind: KindInvalidBytecode, Module: name, Detail: "read " + path, Cause: err}
	}
	return m.LoadModule(ctx, name, code, env, opts...)
}

// LoadModule compiles, links and initializes code and registers it under
// name. env is copied; later changes to the map are not seen by the guest.
// On failure the registry is left unchanged.
func (m *Manager) LoadModule(ctx context.Context, name string, code []byte, env map[string]string, opts ...LoadOption) error {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if name == "" {
		return &Error{Op: OpLoad, Kind: KindInvalidName, Detail: "empty module name"}
	}

	m.mu.Lock()
	_, exists := m.modules[name]
	_, pending := m.loading[name]
	if exists || pending {
		m.mu.Unlock()
		return &Error{Op: OpLoad, Kind: KindDuplicateName, Module: name}
	}
	m.loading[name] = struct{}{}
	m.loads++
	rootID := rootContextBase + m.loads
	m.mu.Unlock()

	mod, err := m.load(ctx, name, rootID, code, env, cfg)

	m.mu.Lock()
	delete(m.loading, name)
	if err == nil {
		mod.minContextID = m.lastID.Load() + 1
		m.modules[name] = mod
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("module load failed", zap.String("module", name), zap.Error(err))
		return err
	}
	m.logger.Info("module loaded",
		zap.String("module", name),
		zap.String("abi_version", string(mod.version)),
		zap.Int("env_vars", len(mod.env)),
	)
	return nil
}

func (m *Manager) load(ctx context.Context, name string, rootID uint32, code []byte, env map[string]string, cfg loadConfig) (*Module, error) {
	loadErr := func(kind Kind, detail string, cause error) error {
		return &Error{Op: OpLoad, Kind: kind, Module: name, Detail: detail, Cause: cause}
	}

	prog, err := m.engine.Compile(ctx, code)
	if err != nil {
		if errors.Is(err, sandbox.ErrLink) {
			return nil, loadErr(KindLink, "", err)
		}
		return nil, loadErr(KindInvalidBytecode, "", err)
	}

	version := abi.DetectVersion(prog.Has)
	if version == abi.VersionUnknown {
		prog.Close(ctx)
		return nil, loadErr(KindABIVersion, "no proxy_abi_version export", nil)
	}
	if !prog.Has(abi.ExportMemoryAllocate) && !prog.Has(abi.ExportMalloc) {
		prog.Close(ctx)
		return nil, loadErr(KindAllocator, "no malloc or proxy_on_memory_allocate export", nil)
	}

	snapshot := maps.Clone(env)
	if snapshot == nil {
		snapshot = map[string]string{}
	}

	inst, err := prog.Instantiate(ctx, snapshot)
	if err != nil {
		prog.Close(ctx)
		if errors.Is(err, sandbox.ErrLink) {
			return nil, loadErr(KindLink, "", err)
		}
		return nil, loadErr(KindInit, "", err)
	}

	mod := &Module{
		name:         name,
		rootID:       rootID,
		version:      version,
		env:          snapshot,
		vmConfig:     slices.Clone(cfg.vmConfig),
		pluginConfig: slices.Clone(cfg.pluginConfig),
		program:      prog,
		instance:     inst,
		mgr:          m,
		logger:       m.logger,
		contexts:     make(map[uint32]*Context),
	}
	mod.root = newContext(mod, rootID)

	if err := m.initialize(ctx, mod); err != nil {
		mod.close(ctx)
		if errors.Is(err, hostfunc.ErrAllocationFailed) || errors.Is(err, hostfunc.ErrNoAllocator) {
			return nil, loadErr(KindAllocator, "", err)
		}
		return nil, loadErr(KindInit, "", err)
	}
	return mod, nil
}

// initialize runs the root lifecycle: context create, vm start, validate
// configuration, configure. A false return from any of the latter three
// rejects the module, as does a host call that could not allocate guest
// memory for its result.
func (m *Manager) initialize(ctx context.Context, mod *Module) error {
	root := mod.root
	if mod.instance.Has(abi.ExportOnContextCreate) {
		if _, err := mod.call(ctx, root, abi.ExportOnContextCreate, uint64(mod.rootID), 0); err != nil {
			return err
		}
		if err := root.allocationError(); err != nil {
			return fmt.Errorf("%s: %w", abi.ExportOnContextCreate, err)
		}
	}

	steps := []struct {
		export string
		size   int
	}{
		{abi.ExportOnVMStart, len(mod.vmConfig)},
		{abi.ExportValidateConfiguration, len(mod.pluginConfig)},
		{abi.ExportOnConfigure, len(mod.pluginConfig)},
	}
	for _, step := range steps {
		if !mod.instance.Has(step.export) {
			continue
		}
		ok, err := mod.call(ctx, root, step.export, uint64(mod.rootID), uint64(step.size))
		if err != nil {
			return err
		}
		if err := root.allocationError(); err != nil {
			return fmt.Errorf("%s: %w", step.export, err)
		}
		if uint32(ok) == 0 {
			return fmt.Errorf("%s returned false", step.export)
		}
	}
	return nil
}

// UnloadModule removes name from the registry and releases its instance.
// Contexts still in flight are dropped; later dispatches for them fail.
func (m *Manager) UnloadModule(ctx context.Context, name string) error {
	m.mu.Lock()
	mod, ok := m.modules[name]
	if ok {
		delete(m.modules, name)
		m.unloaded[name] = m.lastID.Load()
	}
	m.mu.Unlock()

	if !ok {
		return &Error{Op: OpUnload, Kind: KindNotFound, Module: name}
	}

	inflight := mod.ActiveContexts()
	if err := mod.close(ctx); err != nil {
		m.logger.Warn("module close failed", zap.String("module", name), zap.Error(err))
	}
	m.logger.Info("module unloaded", zap.String("module", name), zap.Int("dropped_contexts", inflight))
	return nil
}

// ListModules returns the loaded module names in lexicographic order.
func (m *Manager) ListModules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.modules))
	for name := range m.modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Module returns the loaded module called name.
func (m *Manager) Module(name string) (*Module, bool) {
	m.mu.RLock()
	mod, ok := m.modules[name]
	m.mu.RUnlock()
	return mod, ok
}

// NextContextID allocates a request context id. Ids start at 1, strictly
// increase and are never reused for the lifetime of the Manager.
func (m *Manager) NextContextID() (uint32, error) {
	for {
		cur := m.lastID.Load()
		if cur+1 >= rootContextBase {
			return 0, &Error{Op: OpDispatch, Kind: KindIDExhausted}
		}
		if m.lastID.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Dispatch runs the callback for phase on the context id of module name.
// The first dispatch for an id creates its context. Phases must strictly
// increase per context; PhaseDone retires the context, and a retired id
// fails with KindModuleGone from then on.
//
// A trap inside the guest is returned as KindGuestTrap and poisons the
// module so that later dispatches fail with KindPoisoned.
func (m *Manager) Dispatch(ctx context.Context, name string, id uint32, phase Phase) error {
	if !phase.Dispatchable() {
		return m.unknownPhase(name, id, phase.String())
	}

	mod, err := m.lookup(name, id, phase)
	if err != nil {
		return err
	}
	if id == 0 || id >= rootContextBase {
		return &Error{Op: OpDispatch, Kind: KindInvalidContext, Module: name, Phase: phase, ContextID: id}
	}
	if id > m.lastID.Load() {
		return &Error{Op: OpDispatch, Kind: KindInvalidContext, Module: name, Phase: phase, ContextID: id,
			Detail: "id was never issued"}
	}
	if id < mod.minContextID {
		return &Error{Op: OpDispatch, Kind: KindModuleGone, Module: name, Phase: phase, ContextID: id,
			Detail: "context predates module load"}
	}
	if mod.Poisoned() {
		mod.release(id)
		return &Error{Op: OpDispatch, Kind: KindPoisoned, Module: name, Phase: phase, ContextID: id}
	}

	c, created, ok := mod.acquire(id)
	if !ok {
		return &Error{Op: OpDispatch, Kind: KindModuleGone, Module: name, Phase: phase, ContextID: id,
			Detail: "context already retired"}
	}
	if created {
		if _, err := mod.callExport(ctx, c, abi.ExportOnContextCreate, uint64(mod.rootID)); err != nil {
			return m.fail(mod, c, phase, err)
		}
	}

	if cur, ok := c.advance(phase, streamFrom(ctx)); !ok {
		return &Error{Op: OpDispatch, Kind: KindPhaseOrder, Module: name, Phase: phase, ContextID: id,
			Detail: "context is at " + cur.String()}
	}

	if err := m.invoke(ctx, mod, c, phase); err != nil {
		return m.fail(mod, c, phase, err)
	}

	if phase == PhaseDone {
		mod.release(id)
		c.retire()
	}
	return nil
}

// lookup returns the module called name. A name that was unloaded after id
// was issued gives KindModuleGone; a name never loaded gives KindNotFound.
func (m *Manager) lookup(name string, id uint32, phase Phase) (*Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mod, ok := m.modules[name]; ok {
		return mod, nil
	}
	if last, ok := m.unloaded[name]; ok && id != 0 && id <= last {
		return nil, &Error{Op: OpDispatch, Kind: KindModuleGone, Module: name, Phase: phase, ContextID: id,
			Detail: "module unloaded"}
	}
	return nil, &Error{Op: OpDispatch, Kind: KindNotFound, Module: name, Phase: phase, ContextID: id}
}

// DispatchNamed is Dispatch with the phase given by name, as accepted by
// ParsePhase. An unrecognized name runs no callback: it returns
// KindUnknownPhase and logs an "unknown phase" warning, which is the
// diagnostic event for it.
func (m *Manager) DispatchNamed(ctx context.Context, name string, id uint32, phase string) error {
	p, ok := ParsePhase(phase)
	if !ok {
		return m.unknownPhase(name, id, phase)
	}
	return m.Dispatch(ctx, name, id, p)
}

func (m *Manager) unknownPhase(name string, id uint32, phase string) error {
	m.logger.Warn("unknown phase",
		zap.String("module", name),
		zap.Uint32("context_id", id),
		zap.String("phase", phase),
	)
	return &Error{Op: OpDispatch, Kind: KindUnknownPhase, Module: name, ContextID: id, Detail: phase}
}

func (m *Manager) invoke(ctx context.Context, mod *Module, c *Context, phase Phase) error {
	s := streamFrom(ctx)
	switch phase {
	case PhaseRequestHeaders:
		return mod.callStream(ctx, c, abi.ExportOnRequestHeaders,
			uint64(len(s.RequestHeaders)), endOfStream(len(s.RequestBody) == 0))
	case PhaseRequestBody:
		return mod.callStream(ctx, c, abi.ExportOnRequestBody, uint64(len(s.RequestBody)), 1)
	case PhaseRequestTrailers:
		return mod.callStream(ctx, c, abi.ExportOnRequestTrailers, uint64(len(s.RequestTrailers)))
	case PhaseRequestDone:
		return nil
	case PhaseResponseHeaders:
		return mod.callStream(ctx, c, abi.ExportOnResponseHeaders,
			uint64(len(s.ResponseHeaders)), endOfStream(len(s.ResponseBody) == 0))
	case PhaseResponseBody:
		return mod.callStream(ctx, c, abi.ExportOnResponseBody, uint64(len(s.ResponseBody)), 1)
	case PhaseResponseTrailers:
		return mod.callStream(ctx, c, abi.ExportOnResponseTrailers, uint64(len(s.ResponseTrailers)))
	case PhaseDone:
		for _, export := range []string{abi.ExportOnDone, abi.ExportOnLog, abi.ExportOnDelete} {
			if _, err := mod.callExport(ctx, c, export); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func endOfStream(eos bool) uint64 {
	if eos {
		return 1
	}
	return 0
}

// fail retires c after a failed callback. A trap poisons the module.
func (m *Manager) fail(mod *Module, c *Context, phase Phase, err error) error {
	mod.release(c.id)
	c.retire()

	if errors.Is(err, errModuleClosed) {
		return &Error{Op: OpDispatch, Kind: KindModuleGone, Module: mod.name, Phase: phase, ContextID: c.id, Cause: err}
	}

	if mod.poisoned.CompareAndSwap(false, true) {
		m.logger.Error("module poisoned",
			zap.String("module", mod.name),
			zap.Uint32("context_id", c.id),
			zap.Stringer("phase", phase),
			zap.Error(err),
		)
	}
	return &Error{Op: OpDispatch, Kind: KindGuestTrap, Module: mod.name, Phase: phase, ContextID: c.id, Cause: err}
}

// Retire drops the context id of module name before it reached
// PhaseDone, calling only proxy_on_delete. An id without a live context is
// only marked retired, so it can no longer start one.
func (m *Manager) Retire(ctx context.Context, name string, id uint32) {
	mod, ok := m.Module(name)
	if !ok {
		return
	}
	c, ok := mod.context(id)
	if !ok {
		if id != 0 && id < rootContextBase && id <= m.lastID.Load() && id >= mod.minContextID {
			mod.release(id)
		}
		return
	}
	mod.release(id)
	defer c.retire()

	if mod.Poisoned() {
		return
	}
	if _, err := mod.callExport(ctx, c, abi.ExportOnDelete); err != nil && !errors.Is(err, errModuleClosed) {
		m.fail(mod, c, c.Phase(), err)
	}
}

// LocalResponse returns the local response captured on a live context.
func (m *Manager) LocalResponse(name string, id uint32) (LocalResponse, bool) {
	mod, ok := m.Module(name)
	if !ok {
		return LocalResponse{}, false
	}
	c, ok := mod.context(id)
	if !ok {
		return LocalResponse{}, false
	}
	return c.LocalResponse()
}

func (m *Manager) localResponse(name string, id uint32) (LocalResponse, uint64, bool) {
	mod, ok := m.Module(name)
	if !ok {
		return LocalResponse{}, 0, false
	}
	c, ok := mod.context(id)
	if !ok {
		return LocalResponse{}, 0, false
	}
	return c.localResponse()
}

// ContextLogs returns the log lines of a live context.
func (m *Manager) ContextLogs(name string, id uint32) (string, bool) {
	mod, ok := m.Module(name)
	if !ok {
		return "", false
	}
	c, ok := mod.context(id)
	if !ok {
		return "", false
	}
	return c.Logs(), true
}

// Close unloads every module and closes the engine.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, name := range m.ListModules() {
		if err := m.UnloadModule(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
