// Package abi holds the names and numeric constants of the proxy-wasm
// host/guest contract, and the codec for serialized header maps.
package abi

// ImportModule is the wasm import namespace the host functions live in.
const ImportModule = "env"

// WASIModule is the namespace of the WASI preview1 imports.
const WASIModule = "wasi_snapshot_preview1"

// ABI version marker exports.
const (
	ExportABIVersion010 = "proxy_abi_version_0_1_0"
	ExportABIVersion020 = "proxy_abi_version_0_2_0"
	ExportABIVersion021 = "proxy_abi_version_0_2_1"
)

// Guest exports.
const (
	ExportMalloc         = "malloc"
	ExportMemoryAllocate = "proxy_on_memory_allocate"
	ExportFree           = "free"
	ExportInitialize     = "_initialize"
	ExportStart          = "_start"
	ExportMemory         = "memory"

	ExportOnVMStart             = "proxy_on_vm_start"
	ExportValidateConfiguration = "proxy_validate_configuration"
	ExportOnConfigure           = "proxy_on_configure"
	ExportOnTick                = "proxy_on_tick"
	ExportOnContextCreate       = "proxy_on_context_create"
	ExportOnRequestHeaders      = "proxy_on_request_headers"
	ExportOnRequestBody         = "proxy_on_request_body"
	ExportOnRequestTrailers     = "proxy_on_request_trailers"
	ExportOnResponseHeaders     = "proxy_on_response_headers"
	ExportOnResponseBody        = "proxy_on_response_body"
	ExportOnResponseTrailers    = "proxy_on_response_trailers"
	ExportOnDone                = "proxy_on_done"
	ExportOnLog                 = "proxy_on_log"
	ExportOnDelete              = "proxy_on_delete"
)

// Host imports with a real implementation.
const (
	ImportLog                       = "proxy_log"
	ImportSendLocalResponse         = "proxy_send_local_response"
	ImportGetCurrentTimeNanoseconds = "proxy_get_current_time_nanoseconds"
	ImportGetLogLevel               = "proxy_get_log_level"
	ImportGetBufferBytes            = "proxy_get_buffer_bytes"
	ImportGetSharedData             = "proxy_get_shared_data"
	ImportSetSharedData             = "proxy_set_shared_data"
)

// Version identifies the proxy-wasm ABI revision a guest was built against.
type Version string

const (
	VersionUnknown Version = ""
	Version010     Version = "0.1.0"
	Version020     Version = "0.2.0"
	Version021     Version = "0.2.1"
)

// DetectVersion returns the newest version whose marker export is present.
func DetectVersion(has func(name string) bool) Version {
	switch {
	case has(ExportABIVersion021):
		return Version021
	case has(ExportABIVersion020):
		return Version020
	case has(ExportABIVersion010):
		return Version010
	default:
		return VersionUnknown
	}
}

// Status is the WasmResult code returned by every host import.
type Status uint32

const (
	StatusOK                   Status = 0
	StatusNotFound             Status = 1
	StatusBadArgument          Status = 2
	StatusSerializationFailure Status = 3
	StatusParseFailure         Status = 4
	StatusBadExpression        Status = 5
	StatusInvalidMemoryAccess  Status = 6
	StatusEmpty                Status = 7
	StatusCasMismatch          Status = 8
	StatusResultMismatch       Status = 9
	StatusInternalFailure      Status = 10
	StatusBrokenConnection     Status = 11
	StatusUnimplemented        Status = 12
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBadArgument:
		return "bad_argument"
	case StatusSerializationFailure:
		return "serialization_failure"
	case StatusParseFailure:
		return "parse_failure"
	case StatusBadExpression:
		return "bad_expression"
	case StatusInvalidMemoryAccess:
		return "invalid_memory_access"
	case StatusEmpty:
		return "empty"
	case StatusCasMismatch:
		return "cas_mismatch"
	case StatusResultMismatch:
		return "result_mismatch"
	case StatusInternalFailure:
		return "internal_failure"
	case StatusBrokenConnection:
		return "broken_connection"
	case StatusUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Action is returned by the stream callbacks.
type Action uint32

const (
	ActionContinue Action = 0
	ActionPause    Action = 1
)

// BufferType selects the buffer read by proxy_get_buffer_bytes.
type BufferType uint32

const (
	BufferHTTPRequestBody      BufferType = 0
	BufferHTTPResponseBody     BufferType = 1
	BufferDownstreamData       BufferType = 2
	BufferUpstreamData         BufferType = 3
	BufferHTTPCallResponseBody BufferType = 4
	BufferGRPCReceive          BufferType = 5
	BufferVMConfiguration      BufferType = 6
	BufferPluginConfiguration  BufferType = 7
	BufferCallData             BufferType = 8
)

// MapType selects a header map.
type MapType uint32

const (
	MapHTTPRequestHeaders   MapType = 0
	MapHTTPRequestTrailers  MapType = 1
	MapHTTPResponseHeaders  MapType = 2
	MapHTTPResponseTrailers MapType = 3
)

// LogLevel is the level argument of proxy_log.
type LogLevel uint32

const (
	LogTrace    LogLevel = 0
	LogDebug    LogLevel = 1
	LogInfo     LogLevel = 2
	LogWarn     LogLevel = 3
	LogError    LogLevel = 4
	LogCritical LogLevel = 5
)

func (l LogLevel) String() string {
	switch l {
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	case LogCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLogLevel maps a level name to its numeric value.
func ParseLogLevel(s string) (LogLevel, bool) {
	for l := LogTrace; l <= LogCritical; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}
