package filter

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"go.uber.org/zap"
)

// FailurePolicy decides what a failed callback does to the rest of a request.
type FailurePolicy int

const (
	// FailOpen logs the failure, drops the failing module from the request
	// and carries on with the others. It is the default.
	FailOpen FailurePolicy = iota

	// FailClosed stops the request and answers 500.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// Pipeline drives every loaded module through the phases of one request.
type Pipeline struct {
	mgr    *Manager
	policy FailurePolicy
	logger *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithFailurePolicy sets how callback failures are handled.
func WithFailurePolicy(p FailurePolicy) PipelineOption {
	return func(pl *Pipeline) {
		pl.policy = p
	}
}

// NewPipeline returns a Pipeline over the modules of mgr. It logs through
// the manager's logger.
func NewPipeline(mgr *Manager, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{mgr: mgr, policy: FailOpen, logger: mgr.logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of one pipeline run.
type Result struct {
	ContextID uint32

	// Modules is the module list the request ran against.
	Modules []string

	// Local is the response a module asked for, if any. Responder and
	// Phase say who produced it and when.
	Local     *LocalResponse
	Responder string
	Phase     Phase

	// ShortCircuit is set when Local was captured during request headers
	// and the remaining phases were skipped.
	ShortCircuit bool

	// Errors holds the failed callbacks, in order.
	Errors []error
}

// Run dispatches the phases of request id to every module, phase by phase,
// in ListModules order. s is visible to the callbacks.
//
// Every module sees request headers. When one or more of them sent a local
// response during that phase the run stops there: the last response sent
// wins, no later phase runs and every context of the request is retired.
// In later phases the last response sent likewise replaces any earlier one.
func (p *Pipeline) Run(ctx context.Context, id uint32, s *Stream) *Result {
	ctx = WithStream(ctx, s)
	res := &Result{ContextID: id, Modules: p.mgr.ListModules()}
	active := slices.Clone(res.Modules)
	seen := make(map[string]uint64, len(active))

	for _, phase := range Phases {
		next := make([]string, 0, len(active))
		for _, name := range active {
			if err := p.mgr.Dispatch(ctx, name, id, phase); err != nil {
				if skippable(err) {
					continue
				}
				res.Errors = append(res.Errors, err)
				p.logger.Warn("filter callback failed",
					zap.String("module", name),
					zap.Uint32("context_id", id),
					zap.Stringer("phase", phase),
					zap.Stringer("policy", p.policy),
					zap.Error(err),
				)
				if p.policy == FailClosed {
					p.retireAll(ctx, res.Modules, id)
					res.Local = failureResponse(err)
					res.Responder = name
					res.Phase = phase
					return res
				}
				continue
			}
			next = append(next, name)

			if phase != PhaseDone {
				p.capture(res, seen, name, id, phase)
			}
		}
		active = next

		if phase == PhaseRequestHeaders && res.Local != nil {
			res.ShortCircuit = true
			p.retireAll(ctx, res.Modules, id)
			return res
		}
	}
	return res
}

// capture records a response name sent during phase. seen holds the count
// of responses already taken from each module, so one sent in an earlier
// phase does not replace a newer response from another module.
func (p *Pipeline) capture(res *Result, seen map[string]uint64, name string, id uint32, phase Phase) {
	lr, n, ok := p.mgr.localResponse(name, id)
	if !ok || n <= seen[name] {
		return
	}
	seen[name] = n
	res.Local = &lr
	res.Responder = name
	res.Phase = phase
}

func (p *Pipeline) retireAll(ctx context.Context, modules []string, id uint32) {
	for _, name := range modules {
		p.mgr.Retire(ctx, name, id)
	}
}

// skippable reports whether err only means the module is not part of this
// request any more: it was unloaded, or loaded after the id was allocated.
func skippable(err error) bool {
	return errors.Is(err, ErrModuleNotFound) || errors.Is(err, ErrModuleGone)
}

func failureResponse(err error) *LocalResponse {
	return &LocalResponse{
		StatusCode: http.StatusInternalServerError,
		Details:    err.Error(),
		Body:       []byte("filter failure\n"),
		GRPCStatus: -1,
	}
}
