package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/tetratelabs/wazero/api"
)

var (
	ErrCasMismatch    = errors.New("cas mismatch")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")
	ErrTooManyEntries = errors.New("too many entries")
)

// SharedDataConfig bounds a SharedData store. Zero fields are unlimited.
type SharedDataConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultSharedDataConfig() SharedDataConfig {
	return SharedDataConfig{
		MaxKeySize:   256,
		MaxValueSize: 64 * 1024,
		MaxEntries:   10000,
	}
}

// SharedData is the in-memory key/value store behind proxy_get_shared_data
// and proxy_set_shared_data. Every module linked against the same registry
// sees the same entries. Each write stamps the entry with a fresh non-zero
// CAS token.
type SharedData struct {
	cfg     SharedDataConfig
	mu      sync.Mutex
	entries map[string]sharedEntry
	lastCAS uint32
}

type sharedEntry struct {
	value []byte
	cas   uint32
}

func NewSharedData(cfg SharedDataConfig) *SharedData {
	return &SharedData{cfg: cfg, entries: make(map[string]sharedEntry)}
}

// Get returns a copy of the value stored under key and its CAS token.
func (s *SharedData) Get(key string) ([]byte, uint32, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	return append([]byte(nil), e.value...), e.cas, true
}

// Set stores value under key. A non-zero cas must match the token of the
// existing entry; a missing key accepts any cas.
func (s *SharedData) Set(key string, value []byte, cas uint32) error {
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLarge, len(key), s.cfg.MaxKeySize)
	}
	if s.cfg.MaxValueSize > 0 && len(value) > s.cfg.MaxValueSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, len(value), s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if exists && cas != 0 && cas != e.cas {
		return ErrCasMismatch
	}
	if !exists && s.cfg.MaxEntries > 0 && len(s.entries) >= s.cfg.MaxEntries {
		return fmt.Errorf("%w: max %d", ErrTooManyEntries, s.cfg.MaxEntries)
	}

	s.lastCAS++
	if s.lastCAS == 0 {
		s.lastCAS++
	}
	s.entries[key] = sharedEntry{value: append([]byte(nil), value...), cas: s.lastCAS}
	return nil
}

// Len returns the number of stored keys.
func (s *SharedData) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func sharedDataFuncs(data *SharedData) []Func {
	return []Func{
		{
			Name:    abi.ImportGetSharedData,
			Params:  []api.ValueType{i32, i32, i32, i32, i32},
			Results: []api.ValueType{i32},
			Fn:      proxyGetSharedData(data),
		},
		{
			Name:    abi.ImportSetSharedData,
			Params:  []api.ValueType{i32, i32, i32, i32, i32},
			Results: []api.ValueType{i32},
			Fn:      proxySetSharedData(data),
		},
	}
}

// proxy_get_shared_data(key_ptr, key_size, return_value_ptr,
// return_value_size, return_cas) -> status
func proxyGetSharedData(data *SharedData) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		key, ok := readString(mod, stack[0], stack[1])
		if !ok {
			setStatus(stack, abi.StatusInvalidMemoryAccess)
			return
		}
		value, cas, found := data.Get(key)
		if !found {
			setStatus(stack, abi.StatusNotFound)
			return
		}
		if !mod.Memory().WriteUint32Le(api.DecodeU32(stack[4]), cas) {
			setStatus(stack, abi.StatusInvalidMemoryAccess)
			return
		}
		setStatus(stack, writeBytes(ctx, mod, value, api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
	}
}

// proxy_set_shared_data(key_ptr, key_size, value_ptr, value_size, cas) -> status
func proxySetSharedData(data *SharedData) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		key, ok := readString(mod, stack[0], stack[1])
		if !ok {
			setStatus(stack, abi.StatusInvalidMemoryAccess)
			return
		}
		value, ok := readBytes(mod, stack[2], stack[3])
		if !ok {
			setStatus(stack, abi.StatusInvalidMemoryAccess)
			return
		}

		switch err := data.Set(key, value, api.DecodeU32(stack[4])); {
		case err == nil:
			setStatus(stack, abi.StatusOK)
		case errors.Is(err, ErrCasMismatch):
			setStatus(stack, abi.StatusCasMismatch)
		default:
			setStatus(stack, abi.StatusBadArgument)
		}
	}
}
