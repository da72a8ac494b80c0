package engine

import (
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"
	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

func jsonUnmarshal(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}

func jsonMarshalString(s string) (string, error) {
	b, err := json.Marshal(s)
	return string(b), err
}

func jsonMarshalStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	return string(b), err
}

// wasmI32 extracts a single int32 from a wasmer call's raw return value,
// which may come back as a bare int32 (single-result function) or a
// []wasmer.Value / []any depending on the function's declared arity.
func wasmI32(raw any) (int32, bool) {
	switch v := raw.(type) {
	case int32:
		return v, true
	case int64:
		return int32(v), true
	case []wasmer.Value:
		if len(v) != 1 {
			return 0, false
		}
		return v[0].I32(), true
	case []any:
		if len(v) != 1 {
			return 0, false
		}
		return wasmI32(v[0])
	default:
		return 0, false
	}
}

// wasmScalarJSON renders a WASM u32 return value as the JSON-encoded
// decimal string spec §8 scenario 4 expects ("3", not 3.0 or similar).
func wasmScalarJSON(raw any) string {
	if n, ok := wasmI32(raw); ok {
		return fmt.Sprintf("%d", uint32(n))
	}
	return "0"
}

// wasmExportsObject builds the JS object registered under the reserved
// global for a JS_WITH_WASM code object (spec §4.F step 5's "register
// the exports object on the context global"). Each exported WASM
// function becomes a callable that forwards i32 arguments and returns an
// i32 result, the scalar subset of the marshalling contract; JS code
// wiring up string/list arguments does so through the same linear-memory
// layout the WASM execution path uses directly.
func wasmExportsObject(ctx *v8.Context, we *wasmEngine) (*v8.Value, error) {
	iso := ctx.Isolate()
	ot := v8.NewObjectTemplate(iso)

	for _, export := range we.module.Exports() {
		if export.Type().Kind() != wasmer.FUNCTION {
			continue
		}
		name := export.Name()
		tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			args := info.Args()
			native := make([]any, len(args))
			for i, a := range args {
				native[i] = a.Int32()
			}
			ret, err := we.call(name, native...)
			if err != nil {
				return throwf(iso, "%s", err.Error())
			}
			n, _ := wasmI32(ret)
			v, verr := v8.NewValue(iso, n)
			if verr != nil {
				return nil
			}
			return v
		})
		if err := ot.Set(name, tmpl); err != nil {
			return nil, fmt.Errorf("engine: exposing wasm export %q: %w", name, err)
		}
	}

	obj, err := ot.NewInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: instantiating wasm exports object: %w", err)
	}
	return obj.Value, nil
}
