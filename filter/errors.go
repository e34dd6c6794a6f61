package filter

import (
	"errors"
	"strconv"
	"strings"
)

// Op is the manager operation an error came from.
type Op string

const (
	OpLoad     Op = "load"
	OpUnload   Op = "unload"
	OpDispatch Op = "dispatch"
)

// Kind categorizes the error.
type Kind string

const (
	// load
	KindInvalidName     Kind = "invalid_name"
	KindDuplicateName   Kind = "duplicate_name"
	KindInvalidBytecode Kind = "invalid_bytecode"
	KindABIVersion      Kind = "abi_version"
	KindLink            Kind = "link"
	KindAllocator       Kind = "allocator"
	KindInit            Kind = "init"

	// dispatch
	KindNotFound       Kind = "not_found"
	KindModuleGone     Kind = "module_gone"
	KindPoisoned       Kind = "poisoned"
	KindGuestTrap      Kind = "guest_trap"
	KindUnknownPhase   Kind = "unknown_phase"
	KindPhaseOrder     Kind = "phase_order"
	KindInvalidContext Kind = "invalid_context"
	KindIDExhausted    Kind = "id_exhausted"
)

// Error is the structured error returned by Manager operations.
type Error struct {
	Cause     error
	Op        Op
	Kind      Kind
	Module    string
	Phase     Phase
	ContextID uint32
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Op))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" module=")
		b.WriteString(e.Module)
	}
	if e.Op == OpDispatch && e.Phase != PhaseCreated {
		b.WriteString(" phase=")
		b.WriteString(e.Phase.String())
	}
	if e.ContextID != 0 {
		b.WriteString(" context=")
		b.WriteString(strconv.FormatUint(uint64(e.ContextID), 10))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on Op when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is.
var (
	ErrDuplicateModule = &Error{Kind: KindDuplicateName}
	ErrModuleNotFound  = &Error{Kind: KindNotFound}
	ErrModuleGone      = &Error{Kind: KindModuleGone}
	ErrModulePoisoned  = &Error{Kind: KindPoisoned}
	ErrGuestTrap       = &Error{Kind: KindGuestTrap}
	ErrUnknownPhase    = &Error{Kind: KindUnknownPhase}
	ErrPhaseOrder      = &Error{Kind: KindPhaseOrder}
)

// IsLoadError reports whether err was returned by a module load.
func IsLoadError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Op == OpLoad
}
