package engine

import (
	"fmt"
	"strconv"
	"sync"

	v8 "github.com/tommie/v8go"

	"github.com/sandboxrt/kernel/internal/watchdog"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// reservedWasmExportsGlobal is the name the WASM module's exports object
// is published under on the JS global when resolving a JS_WITH_WASM or
// WASM handler (spec §4.F step 5: "register the exports object on the
// context global under a reserved name").
const reservedWasmExportsGlobal = "__wasm_exports__"

// Invocation is one execute request against a loaded CodeObject (spec §3
// "Invocation request", trimmed to what the engine needs).
type Invocation struct {
	Version        uint64
	HandlerName    string
	Input          []string
	WasmReturnType WasmReturnType
	TimeoutMs      string // raw tag value, "" if absent
}

// Result is what a successful or failed invocation reports back to the
// worker loop for inclusion in the IPC response.
type Result struct {
	Status     Status
	ResultJSON string
}

// Manager owns exactly one V8 isolate and, for WASM/JS_WITH_WASM code, one
// wasmer instance, matching the "per worker" scoping of spec §4.F. It is
// not safe for concurrent use: each worker process has exactly one
// Manager driven by its single-threaded worker loop.
type Manager struct {
	mu sync.Mutex

	bindings []Binding

	codeType CodeType
	version  uint64

	retainedScript string // JS / JS_WITH_WASM
	wasmBytes      []byte // WASM / JS_WITH_WASM

	iso           *v8.Isolate
	ctx           *v8.Context
	unboundScript *v8.UnboundScript
	wasm          *wasmEngine

	wd *watchdog.Watchdog
}

// NewManager constructs an empty, unloaded execution manager. bindings
// are installed into every isolate the manager creates for the lifetime
// of the process, including across restarts within the same worker
// (spec §4.H "the pool stores all native-binding registrations so
// restarted workers receive them" — replayed by the caller via this same
// constructor argument).
func NewManager(bindings []Binding) *Manager {
	m := &Manager{bindings: bindings}
	m.wd = watchdog.New(func() {
		if m.iso != nil {
			m.iso.TerminateExecution()
		}
	})
	return m
}

// IsLoaded reports whether a code object has been successfully loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeType != Unknown
}

// Load implements the load-time state machine of spec §4.F. On success
// it disposes any previously-live isolate and arms a fresh one.
func (m *Manager) Load(code CodeObject) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code.IsEmpty() {
		return Fail(CompileFailure, "code object has neither js nor wasm")
	}

	var codeType CodeType
	var err error

	switch {
	case code.JS != "" && len(code.WASM) == 0:
		codeType, err = m.loadJS(code.JS)
	case code.JS == "" && len(code.WASM) != 0:
		codeType = WASM
	default:
		return Fail(CompileFailure, "js+wasm combination not used by the core")
	}
	if err != nil {
		return Fail(CompileFailure, "%v", err)
	}

	// Reset prior state (spec §4.F "load resets the watchdog and
	// disposes the previous isolate").
	m.disposeLocked()

	m.codeType = codeType
	m.version = code.Version
	if codeType == WASM {
		m.wasmBytes = code.WASM
		we, err := loadWASM(code.WASM)
		if err != nil {
			m.codeType = Unknown
			return Fail(CompileFailure, "%v", err)
		}
		m.wasm = we
	} else {
		m.retainedScript = code.JS
		if codeType == JSWithWASM {
			m.wasmBytes = code.WASM
		}
		iso, ctx, script, err := m.newIsolate()
		if err != nil {
			m.codeType = Unknown
			return Fail(CompileFailure, "%v", err)
		}
		m.iso, m.ctx, m.unboundScript = iso, ctx, script
	}

	return Ok()
}

func (m *Manager) disposeLocked() {
	m.wd.Stop()
	m.wd = watchdog.New(func() {
		if m.iso != nil {
			m.iso.TerminateExecution()
		}
	})
	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	if m.iso != nil {
		m.iso.Dispose()
		m.iso = nil
	}
	m.unboundScript = nil
	m.wasm = nil
}

// Stop tears down the manager's live isolate (spec §4.F "Isolate
// teardown").
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wd.Stop()
	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	if m.iso != nil {
		m.iso.Dispose()
		m.iso = nil
	}
}

// Execute runs one invocation per spec §4.F "Per-invocation execution".
func (m *Manager) Execute(inv Invocation) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inv.Version != m.version {
		return Result{Status: Fail(UnmatchedVersion, "loaded version %d, request version %d", m.version, inv.Version)}
	}
	if m.codeType == Unknown {
		return Result{Status: Fail(IsolateNotReady, "no code object loaded")}
	}

	timeoutMs, status := parseTimeoutTag(inv.TimeoutMs)
	if !status.OK() {
		return Result{Status: status}
	}

	m.wd.StartTimer(timeoutMs)
	defer m.wd.EndTimer()

	var result Result
	switch m.codeType {
	case JS:
		result = m.executeJS(inv)
	case JSWithWASM:
		result = m.executeJSWithWASM(inv)
	case WASM:
		result = m.executeWASM(inv)
	default:
		result = Result{Status: Fail(IsolateNotReady, "unknown code type")}
	}

	if m.wd.Terminated() {
		err := utils.TimeoutError(fmt.Sprintf("invocation %s (%d ms)", inv.HandlerName, timeoutMs))
		return Result{Status: Fail(ExecutionTimeout, "%s", err)}
	}
	return result
}

// parseTimeoutTag parses the TimeoutMs tag (spec §6): missing or empty
// means the watchdog default; unparseable is a failure.
func parseTimeoutTag(raw string) (int64, Status) {
	if raw == "" {
		return watchdog.DefaultTimeout.Milliseconds(), Ok()
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0, Fail(FailedToParseTimeoutTag, "TimeoutMs=%q", raw)
	}
	return ms, Ok()
}

func (m *Manager) executeJS(inv Invocation) Result {
	fn, status := resolveJSHandler(m.ctx, inv.HandlerName)
	if !status.OK() {
		return Result{Status: status}
	}
	args, status := parseJSONInputs(m.ctx, inv.Input)
	if !status.OK() {
		return Result{Status: status}
	}
	return m.invokeJS(fn, args)
}

func (m *Manager) executeJSWithWASM(inv Invocation) Result {
	if len(m.wasmBytes) > 0 {
		we, err := loadWASM(m.wasmBytes)
		if err != nil {
			return Result{Status: Fail(ScriptRunFailure, "%v", err)}
		}
		m.wasm = we
		exportsVal, err := wasmExportsObject(m.ctx, we)
		if err != nil {
			return Result{Status: Fail(ScriptRunFailure, "%v", err)}
		}
		if err := m.ctx.Global().Set(reservedWasmExportsGlobal, exportsVal); err != nil {
			return Result{Status: Fail(ScriptRunFailure, "%v", err)}
		}
	}
	if _, err := m.unboundScript.Run(m.ctx); err != nil {
		return Result{Status: Fail(ScriptRunFailure, "%v", err)}
	}
	return m.executeJS(inv)
}

func (m *Manager) invokeJS(fn *v8.Function, args []*v8.Value) Result {
	valuers := make([]v8.Valuer, len(args))
	for i, a := range args {
		valuers[i] = a
	}
	ret, err := fn.Call(m.ctx.Global(), valuers...)
	if err != nil {
		return Result{Status: Fail(ExecutionFailure, "%s", formatExecutionError(err))}
	}
	resultJSON, status := stringifyResult(m.ctx, ret)
	if !status.OK() {
		return Result{Status: status}
	}
	return Result{Status: Ok(), ResultJSON: resultJSON}
}

func (m *Manager) executeWASM(inv Invocation) Result {
	if inv.WasmReturnType == ReturnUnknown {
		return Result{Status: Fail(UnknownWasmReturnType, "wasm_return_type not recognized")}
	}

	args, status := marshalWasmInputs(m.wasm, inv.Input)
	if !status.OK() {
		return Result{Status: status}
	}

	raw, err := m.wasm.call(inv.HandlerName, args...)
	if err != nil {
		if _, ok := err.(*wasiExitError); ok {
			return Result{Status: Fail(ExecutionFailure, "%v", err)}
		}
		return Result{Status: Fail(ExecutionFailure, "line 0: %v", err)}
	}

	return marshalWasmResult(m.wasm, inv.WasmReturnType, raw)
}

// marshalWasmInputs implements spec §4.F step 6's WASM flavor: JSON-parse
// each input, then lay it into linear memory using the packed-record
// layout, or pass parsed inputs unchanged if the module has no memory
// export.
func marshalWasmInputs(we *wasmEngine, inputs []string) ([]any, Status) {
	parsed := make([]any, len(inputs))
	for i, raw := range inputs {
		var v any
		if err := jsonUnmarshal(raw, &v); err != nil {
			return nil, Fail(BadInput, "input %d: %v", i, err)
		}
		parsed[i] = v
	}

	if !we.hasMemory() {
		return parsed, Ok()
	}

	cursor := newWriteCursor(we, 0)
	args := make([]any, len(parsed))
	for i, v := range parsed {
		switch val := v.(type) {
		case string:
			off, err := cursor.writeString(val)
			if err != nil {
				return nil, Fail(BadInput, "input %d: %v", i, err)
			}
			args[i] = int32(off)
		case []any:
			strs := make([]string, len(val))
			for j, el := range val {
				s, ok := el.(string)
				if !ok {
					return nil, Fail(BadInput, "input %d: element %d is not a string", i, j)
				}
				strs[j] = s
			}
			off, err := cursor.writeListOfString(strs)
			if err != nil {
				return nil, Fail(BadInput, "input %d: %v", i, err)
			}
			args[i] = int32(off)
		case float64:
			args[i] = int32(val)
		default:
			return nil, Fail(BadInput, "input %d: unsupported type for wasm marshalling", i)
		}
	}
	return args, Ok()
}

// marshalWasmResult implements spec §4.F step 8's WASM flavor.
func marshalWasmResult(we *wasmEngine, rt WasmReturnType, raw any) Result {
	switch rt {
	case ReturnU32:
		return Result{Status: Ok(), ResultJSON: wasmScalarJSON(raw)}
	case ReturnString:
		offset, ok := wasmI32(raw)
		if !ok {
			return Result{Status: Fail(ResultParseFailure, "handler did not return an i32 offset")}
		}
		s := readString(we, uint32(offset))
		encoded, err := jsonMarshalString(s)
		if err != nil {
			return Result{Status: Fail(ResultParseFailure, "%v", err)}
		}
		return Result{Status: Ok(), ResultJSON: encoded}
	case ReturnListOfString:
		offset, ok := wasmI32(raw)
		if !ok {
			return Result{Status: Fail(ResultParseFailure, "handler did not return an i32 offset")}
		}
		list := readListOfString(we, uint32(offset))
		encoded, err := jsonMarshalStrings(list)
		if err != nil {
			return Result{Status: Fail(ResultParseFailure, "%v", err)}
		}
		return Result{Status: Ok(), ResultJSON: encoded}
	default:
		return Result{Status: Fail(UnknownWasmReturnType, "unreachable")}
	}
}
