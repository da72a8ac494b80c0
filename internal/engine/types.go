package engine

// CodeType identifies which of the three load-time shapes a loaded
// CodeObject took (spec §4.F load-time state machine).
type CodeType int

const (
	Unknown CodeType = iota
	JS
	JSWithWASM
	WASM
)

func (c CodeType) String() string {
	switch c {
	case JS:
		return "js"
	case JSWithWASM:
		return "js_with_wasm"
	case WASM:
		return "wasm"
	default:
		return "unknown"
	}
}

// WasmReturnType is the set of return-type tags a WASM invocation may
// declare (spec §6 "WASM module contract").
type WasmReturnType int

const (
	ReturnUnknown WasmReturnType = iota
	ReturnU32
	ReturnString
	ReturnListOfString
)

// ParseWasmReturnType maps the request's wasm_return_type string.
func ParseWasmReturnType(s string) WasmReturnType {
	switch s {
	case "u32":
		return ReturnU32
	case "string":
		return ReturnString
	case "list_of_string":
		return ReturnListOfString
	default:
		return ReturnUnknown
	}
}

// CodeObject is a versioned unit of loadable code (spec §3 "Code object").
type CodeObject struct {
	ID      string
	Version uint64
	JS      string
	WASM    []byte
	Tags    map[string]string
}

// IsEmpty reports whether neither code flavor is present, the one
// rejection case of the load-time state machine.
func (c CodeObject) IsEmpty() bool {
	return c.JS == "" && len(c.WASM) == 0
}

// BindingSignature enumerates the three marshalable shapes a native
// binding's arguments and return value may take (spec §4.F).
type BindingSignature int

const (
	SigString BindingSignature = iota
	SigListOfString
	SigMapStringString
)

// BindingValue is a tagged native value exchanged across the binding
// bridge in either direction.
type BindingValue struct {
	Sig  BindingSignature
	Str  string
	List []string
	Map  map[string]string
}

// BindingFunc is the native handler behind one registered binding.
type BindingFunc func(args []BindingValue) (BindingValue, error)

// Binding is one entry in the native-callback bridge (spec §4.F "Native
// binding bridge" and §6 "function_bindings").
type Binding struct {
	Name      string
	ArgSigs   []BindingSignature
	ReturnSig BindingSignature
	Fn        BindingFunc
}
