package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	v8 "github.com/tommie/v8go"
)

// wasmNotDefinedMarker is the substring spec §4.F's load-time state
// machine checks for to fall back from try_snapshot_js to
// compile_unbound_script.
const wasmNotDefinedMarker = "WebAssembly is not defined"

// loadJS implements the js✱/wasm∅ branch of the load-time state machine:
// attempt a throwaway-isolate snapshot compile+run first, and on the
// specific "WebAssembly is not defined" failure fall back to compiling
// an unbound script that expects WASM to be bound in at execute time.
//
// v8go exposes no API to serialize a real V8 StartupData blob from Go,
// so "snapshot" here is represented the way the design notes direct when
// the original's exact mechanism is unavailable: by the retained source
// (m.retainedScript), which newIsolate compiles into a *v8.UnboundScript
// for each live isolate, not by an encoded blob. Both load paths below
// converge on the same retained source; code_type alone records which
// state-machine branch fired.
func (m *Manager) loadJS(source string) (CodeType, error) {
	iso := v8.NewIsolate()
	defer iso.Dispose()
	ctx := v8.NewContext(iso)
	defer ctx.Close()

	if err := installBindings(iso, ctx, m.bindings); err != nil {
		return Unknown, err
	}

	script, err := iso.CompileUnboundScript(source, "module.js", v8.CompileOptions{})
	if err != nil {
		return Unknown, fmt.Errorf("compile_failure: %w", err)
	}
	if _, err := script.Run(ctx); err != nil {
		msg := err.Error()
		if strings.Contains(msg, wasmNotDefinedMarker) {
			return m.loadJSWithWASM(source)
		}
		return Unknown, fmt.Errorf("script_run_failure: %w", err)
	}

	m.retainedScript = source
	return JS, nil
}

// loadJSWithWASM implements the js✱/wasm∅ fallback branch: the module
// references WebAssembly at global scope, so it is compiled but not run
// until WASM has been bound into the live execution context.
func (m *Manager) loadJSWithWASM(source string) (CodeType, error) {
	m.retainedScript = source
	return JSWithWASM, nil
}

// newIsolate builds the live isolate used for per-invocation execution,
// installing bindings and, for JS/JS_WITH_WASM code, compiling the
// retained source (spec §4.F "A new isolate is created with the snapshot
// blob (if any), external references, and a default array-buffer
// allocator").
func (m *Manager) newIsolate() (*v8.Isolate, *v8.Context, *v8.UnboundScript, error) {
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	if err := installBindings(iso, ctx, m.bindings); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, nil, nil, err
	}
	switch m.codeType {
	case JS:
		script, err := iso.CompileUnboundScript(m.retainedScript, "module.js", v8.CompileOptions{})
		if err != nil {
			ctx.Close()
			iso.Dispose()
			return nil, nil, nil, fmt.Errorf("compile_failure: %w", err)
		}
		if _, err := script.Run(ctx); err != nil {
			ctx.Close()
			iso.Dispose()
			return nil, nil, nil, fmt.Errorf("script_run_failure: %w", err)
		}
		return iso, ctx, script, nil
	case JSWithWASM:
		// Compiled only: running it now would still see no WebAssembly
		// export bound to the global and fail exactly as load did. The
		// WASM exports are installed at execute time, then this script
		// runs (spec §4.F step 5, JS_WITH_WASM branch).
		script, err := iso.CompileUnboundScript(m.retainedScript, "module.js", v8.CompileOptions{})
		if err != nil {
			ctx.Close()
			iso.Dispose()
			return nil, nil, nil, fmt.Errorf("compile_failure: %w", err)
		}
		return iso, ctx, script, nil
	default:
		return iso, ctx, nil, nil
	}
}

// resolveJSHandler looks up handlerName as a callable on ctx's global
// object (spec §4.F step 5, JS and JS_WITH_WASM flavors).
func resolveJSHandler(ctx *v8.Context, handlerName string) (*v8.Function, Status) {
	val, err := ctx.Global().Get(handlerName)
	if err != nil || val == nil {
		return nil, Fail(BadHandlerName, "handler %q not found", handlerName)
	}
	if !val.IsFunction() {
		return nil, Fail(HandlerInvalidFunction, "handler %q is not callable", handlerName)
	}
	fn, err := val.AsFunction()
	if err != nil {
		return nil, Fail(HandlerInvalidFunction, "handler %q is not callable", handlerName)
	}
	return fn, Ok()
}

// parseJSONInputs runs step 6 (JS flavours): json_parse every input
// string into a live V8 value inside ctx.
func parseJSONInputs(ctx *v8.Context, inputs []string) ([]*v8.Value, Status) {
	args := make([]*v8.Value, len(inputs))
	for i, raw := range inputs {
		var check any
		if err := json.Unmarshal([]byte(raw), &check); err != nil {
			return nil, Fail(BadInput, "input %d: %v", i, err)
		}
		script := "(" + raw + ")"
		val, err := ctx.RunScript(script, "input.js")
		if err != nil {
			return nil, Fail(BadInput, "input %d: %v", i, err)
		}
		args[i] = val
	}
	return args, Ok()
}

// stringifyResult runs step 8 (JS flavours): json_stringify the return
// value.
func stringifyResult(ctx *v8.Context, result *v8.Value) (string, Status) {
	if err := ctx.Global().Set("__sandbox_result__", result); err != nil {
		return "", Fail(ResultParseFailure, "%v", err)
	}
	defer func() { _ = ctx.Global().Delete("__sandbox_result__") }()
	val, err := ctx.RunScript("JSON.stringify(globalThis.__sandbox_result__)", "stringify.js")
	if err != nil {
		return "", Fail(ResultParseFailure, "%v", err)
	}
	if val == nil || val.IsUndefined() {
		return "", Fail(ResultParseFailure, "handler returned a non-serializable value")
	}
	return val.String(), Ok()
}

// formatExecutionError reproduces spec §4.F step 7's "line N: ..."
// message shape from a V8 exception.
func formatExecutionError(err error) string {
	if jsErr, ok := err.(*v8.JSError); ok {
		line := jsErr.Location
		if line == "" {
			line = "0"
		}
		return fmt.Sprintf("line %s: %s", line, jsErr.Message)
	}
	return fmt.Sprintf("line 0: %s", err.Error())
}
