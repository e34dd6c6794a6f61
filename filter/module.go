package filter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/caffeineduck/lswasm/sandbox"
	"go.uber.org/zap"
)

var errModuleClosed = errors.New("module closed")

// Module is a loaded filter: one guest instance plus the contexts of the
// requests currently passing through it.
type Module struct {
	name         string
	rootID       uint32
	minContextID uint32
	version      abi.Version
	env          map[string]string
	vmConfig     []byte
	pluginConfig []byte
	program      Program
	instance     Instance
	mgr          *Manager
	logger       *zap.Logger
	root         *Context

	// callMu serializes guest calls; the instance is not reentrant.
	callMu   sync.Mutex
	closed   bool
	poisoned atomic.Bool

	ctxMu    sync.RWMutex
	contexts map[uint32]*Context
	retired  idSet
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) ABIVersion() abi.Version {
	return m.version
}

// Env returns a copy of the environment snapshot taken at load time.
func (m *Module) Env() map[string]string {
	return maps.Clone(m.env)
}

// RootID is the id of the module's root context.
func (m *Module) RootID() uint32 {
	return m.rootID
}

// RootLogs returns what the filter logged during its start and configure callbacks.
func (m *Module) RootLogs() string {
	return m.root.Logs()
}

// Poisoned reports whether a guest trap has disabled the module.
func (m *Module) Poisoned() bool {
	return m.poisoned.Load()
}

// ActiveContexts returns the number of contexts not yet retired.
func (m *Module) ActiveContexts() int {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return len(m.contexts)
}

func (m *Module) context(id uint32) (*Context, bool) {
	m.ctxMu.RLock()
	c, ok := m.contexts[id]
	m.ctxMu.RUnlock()
	return c, ok
}

// acquire returns the context for id, creating it when absent. It fails
// for an id that has already been retired; ids are never brought back.
func (m *Module) acquire(id uint32) (c *Context, created, ok bool) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	if c, ok := m.contexts[id]; ok {
		return c, false, true
	}
	if m.retired.has(id) {
		return nil, false, false
	}
	c = newContext(m, id)
	m.contexts[id] = c
	return c, true, true
}

// release removes the context of id, if any, and marks id retired.
func (m *Module) release(id uint32) {
	m.ctxMu.Lock()
	delete(m.contexts, id)
	m.retired.add(id)
	m.ctxMu.Unlock()
}

// call invokes export name with c as the host-call sink.
func (m *Module) call(ctx context.Context, c *Context, name string, args ...uint64) (res uint64, err error) {
	m.callMu.Lock()
	defer m.callMu.Unlock()

	if m.closed {
		return 0, errModuleClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", sandbox.ErrTrap, name, r)
		}
	}()
	return m.instance.Call(hostfunc.WithSink(ctx, c), name, args...)
}

// callExport invokes export name on behalf of c if the guest exports it.
// Arguments beyond the export's arity are dropped, which covers the shorter
// 0.1.0 signatures.
func (m *Module) callExport(ctx context.Context, c *Context, name string, args ...uint64) (uint64, error) {
	if !m.instance.Has(name) {
		return 0, nil
	}
	full := append([]uint64{uint64(c.id)}, args...)
	if n := m.instance.ParamCount(name); n >= 0 && n < len(full) {
		full = full[:n]
	}
	return m.call(ctx, c, name, full...)
}

// callStream is callExport for the header, body and trailer callbacks,
// whose result is a filter action.
func (m *Module) callStream(ctx context.Context, c *Context, name string, args ...uint64) error {
	action, err := m.callExport(ctx, c, name, args...)
	if err != nil {
		return err
	}
	if abi.Action(action) == abi.ActionPause {
		m.logger.Debug("filter paused stream, continuing",
			zap.String("module", m.name),
			zap.Uint32("context_id", c.id),
			zap.String("callback", name),
		)
	}
	return nil
}

func (m *Module) close(ctx context.Context) error {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.ctxMu.Lock()
	for id, c := range m.contexts {
		c.retire()
		delete(m.contexts, id)
	}
	m.ctxMu.Unlock()

	return errors.Join(m.instance.Close(ctx), m.program.Close(ctx))
}
