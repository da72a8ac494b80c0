// Package engine implements the per-worker execution manager: a V8
// isolate capable of running JS, JS-with-WASM, or WASM-only code objects,
// plus the native-callback binding bridge and the argument/result
// marshalling rules of spec §4.F.
package engine

import "fmt"

// Kind is the error taxonomy of spec §7. It crosses the process boundary
// as response data, not as a Go error, since a worker's response to the
// dispatcher must survive serialization through the arena.
type Kind int

const (
	// Unset is the zero value so a freshly-allocated Response defaults
	// to "not yet known" rather than silently reading as success; callers
	// must always set Kind explicitly.
	Unset Kind = iota
	Success
	InvalidArgument
	ChannelFull
	PopFailed
	CompileFailure
	ScriptRunFailure
	BadHandlerName
	HandlerInvalidFunction
	BadInput
	ExecutionFailure
	ExecutionTimeout
	ResultParseFailure
	UnknownWasmReturnType
	UnmatchedVersion
	IsolateNotReady
	FailedToParseTimeoutTag
	WorkedOnBefore
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid_argument"
	case ChannelFull:
		return "channel_full"
	case PopFailed:
		return "pop_failed"
	case CompileFailure:
		return "compile_failure"
	case ScriptRunFailure:
		return "script_run_failure"
	case BadHandlerName:
		return "bad_handler_name"
	case HandlerInvalidFunction:
		return "handler_invalid_function"
	case BadInput:
		return "bad_input"
	case ExecutionFailure:
		return "execution_failure"
	case ExecutionTimeout:
		return "execution_timeout"
	case ResultParseFailure:
		return "result_parse_failure"
	case UnknownWasmReturnType:
		return "unknown_wasm_return_type"
	case UnmatchedVersion:
		return "unmatched_version"
	case IsolateNotReady:
		return "isolate_not_ready"
	case FailedToParseTimeoutTag:
		return "failed_to_parse_timeout_tag"
	case WorkedOnBefore:
		return "worked_on_before"
	default:
		return "unset"
	}
}

// Status is the (kind, message) pair carried in every Response.
type Status struct {
	Kind    Kind
	Message string
}

func (s Status) Error() string {
	if s.Message == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + ": " + s.Message
}

// OK reports whether the status represents success.
func (s Status) OK() bool { return s.Kind == Success }

// Ok is a convenience constructor for a successful status.
func Ok() Status { return Status{Kind: Success} }

// Fail builds a failure Status, mirroring kernel/utils.WrapError's
// message-with-context style.
func Fail(kind Kind, format string, args ...any) Status {
	return Status{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
