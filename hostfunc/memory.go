package hostfunc

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero/api"
)

var (
	ErrNoAllocator      = errors.New("guest exports no allocator")
	ErrAllocationFailed = errors.New("guest allocation failed")
)

// Allocate reserves size bytes in the guest's linear memory through its
// proxy_on_memory_allocate or malloc export.
func Allocate(ctx context.Context, mod api.Module, size uint32) (uint32, error) {
	fn := mod.ExportedFunction(abi.ExportMemoryAllocate)
	if fn == nil {
		fn = mod.ExportedFunction(abi.ExportMalloc)
	}
	if fn == nil {
		return 0, ErrNoAllocator
	}

	res, err := fn.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	if len(res) == 0 || (res[0] == 0 && size > 0) {
		return 0, ErrAllocationFailed
	}
	return api.DecodeU32(res[0]), nil
}

// readBytes copies size bytes at ptr out of guest memory.
func readBytes(mod api.Module, ptr, size uint64) ([]byte, bool) {
	if size == 0 {
		return nil, true
	}
	view, ok := mod.Memory().Read(api.DecodeU32(ptr), api.DecodeU32(size))
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func readString(mod api.Module, ptr, size uint64) (string, bool) {
	b, ok := readBytes(mod, ptr, size)
	return string(b), ok
}

// writeBytes copies data into freshly allocated guest memory and stores the
// address and length at retPtr and retSize. An allocation failure is
// reported to the sink when it implements AllocationReporter.
func writeBytes(ctx context.Context, mod api.Module, data []byte, retPtr, retSize uint32) abi.Status {
	var ptr uint32
	if len(data) > 0 {
		var err error
		ptr, err = Allocate(ctx, mod, uint32(len(data)))
		if err != nil {
			if r, ok := SinkFrom(ctx).(AllocationReporter); ok {
				r.AllocationFailed(len(data), err)
			}
			return abi.StatusInternalFailure
		}
		if !mod.Memory().Write(ptr, data) {
			return abi.StatusInvalidMemoryAccess
		}
	}
	mem := mod.Memory()
	if !mem.WriteUint32Le(retPtr, ptr) || !mem.WriteUint32Le(retSize, uint32(len(data))) {
		return abi.StatusInvalidMemoryAccess
	}
	return abi.StatusOK
}
