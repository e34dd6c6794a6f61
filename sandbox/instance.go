package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Instance is one instantiated guest. It is not safe for concurrent calls;
// callers serialize access.
type Instance struct {
	mod  api.Module
	defs map[string]api.FunctionDefinition
}

// Has reports whether the instance exports a function called name.
func (i *Instance) Has(name string) bool {
	_, ok := i.defs[name]
	return ok
}

// ParamCount returns the number of parameters of export name, or -1 when
// there is no such export.
func (i *Instance) ParamCount(name string) int {
	def, ok := i.defs[name]
	if !ok {
		return -1
	}
	return len(def.ParamTypes())
}

// Call invokes export name and returns its first result, or 0 for exports
// without results. Any failure inside the guest is reported as ErrTrap.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("%w: no export %q", ErrLink, name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrTrap, name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}
