package engine

import (
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"
)

// installBindings publishes every registered Binding onto ctx's global
// object as a callable, per spec §4.F "Native binding bridge": one
// C-style entry point per binding name, argument/return marshalling
// driven by the binding's declared signature.
func installBindings(iso *v8.Isolate, ctx *v8.Context, bindings []Binding) error {
	for i := range bindings {
		b := bindings[i] // capture for the closure below
		tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			return callBinding(iso, info.Context(), info, b)
		})
		fn, err := tmpl.GetFunction(ctx)
		if err != nil {
			return fmt.Errorf("engine: installing binding %q: %w", b.Name, err)
		}
		if err := ctx.Global().Set(b.Name, fn); err != nil {
			return fmt.Errorf("engine: publishing binding %q: %w", b.Name, err)
		}
	}
	return nil
}

// callBinding implements step 2-3 of the native binding bridge: unmarshal
// arguments per signature, invoke the native handler, marshal the result
// back to V8. Type/arity mismatches throw the exact messages spec §4.F
// names.
func callBinding(iso *v8.Isolate, ctx *v8.Context, info *v8.FunctionCallbackInfo, b Binding) *v8.Value {
	args := info.Args()
	if len(args) != len(b.ArgSigs) {
		return throwf(iso, "%s Unexpected number of inputs", b.Name)
	}

	native := make([]BindingValue, len(args))
	for i, sig := range b.ArgSigs {
		v, err := unmarshalArg(args[i], sig)
		if err != nil {
			return throwf(iso, "%s Error encountered while converting types", b.Name)
		}
		native[i] = v
	}

	result, err := b.Fn(native)
	if err != nil {
		return throwf(iso, "%s %s", b.Name, err.Error())
	}

	out, err := marshalReturn(ctx, result)
	if err != nil {
		return throwf(iso, "%s Error encountered while converting types", b.Name)
	}
	return out
}

func unmarshalArg(v *v8.Value, sig BindingSignature) (BindingValue, error) {
	switch sig {
	case SigString:
		if !v.IsString() {
			return BindingValue{}, fmt.Errorf("expected string")
		}
		return BindingValue{Sig: SigString, Str: v.String()}, nil
	case SigListOfString:
		if !v.IsArray() {
			return BindingValue{}, fmt.Errorf("expected array")
		}
		obj, err := v.AsObject()
		if err != nil {
			return BindingValue{}, err
		}
		lengthVal, err := obj.Get("length")
		if err != nil {
			return BindingValue{}, err
		}
		n := int(lengthVal.Uint32())
		list := make([]string, n)
		for i := 0; i < n; i++ {
			el, err := obj.GetIdx(uint32(i))
			if err != nil {
				return BindingValue{}, err
			}
			list[i] = el.String()
		}
		return BindingValue{Sig: SigListOfString, List: list}, nil
	case SigMapStringString:
		if !v.IsObject() {
			return BindingValue{}, fmt.Errorf("expected object")
		}
		obj, err := v.AsObject()
		if err != nil {
			return BindingValue{}, err
		}
		names, err := obj.GetPropertyNames()
		if err != nil {
			return BindingValue{}, err
		}
		m := make(map[string]string, len(names))
		for _, name := range names {
			val, err := obj.Get(name)
			if err != nil {
				return BindingValue{}, err
			}
			m[name] = val.String()
		}
		return BindingValue{Sig: SigMapStringString, Map: m}, nil
	default:
		return BindingValue{}, fmt.Errorf("unknown signature")
	}
}

func marshalReturn(ctx *v8.Context, v BindingValue) (*v8.Value, error) {
	switch v.Sig {
	case SigString:
		return v8.NewValue(ctx.Isolate(), v.Str)
	case SigListOfString:
		// Represented as a JSON array round-tripped through the isolate;
		// v8go has no direct []string -> v8.Value constructor.
		return jsonValue(ctx, v.List)
	case SigMapStringString:
		return jsonValue(ctx, v.Map)
	default:
		return nil, fmt.Errorf("unknown return signature")
	}
}

func throwf(iso *v8.Isolate, format string, args ...any) *v8.Value {
	msg := fmt.Sprintf(format, args...)
	val, err := v8.NewValue(iso, msg)
	if err != nil {
		return nil
	}
	return iso.ThrowException(val)
}

// jsonValue round-trips a Go value through JSON and parses it back inside
// ctx, since v8go exposes no direct constructor for composite JS values
// (arrays, objects) from Go slices/maps. It runs in the caller's own
// context, not a throwaway one, because a Value from one context cannot
// be used in another.
func jsonValue(ctx *v8.Context, v any) (*v8.Value, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	quoted, err := json.Marshal(string(encoded))
	if err != nil {
		return nil, err
	}
	script := "JSON.parse(" + string(quoted) + ")"
	return ctx.RunScript(script, "binding_return.js")
}
