package engine

import (
	"fmt"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// wasiExitError is returned through wasmer's trap machinery when the
// module calls wasi_snapshot_preview1.proc_exit, mirroring the teacher's
// wasm executor convention of surfacing WASI exit codes as errors rather
// than process termination (this runtime has no process to exit: WASM
// runs inside the same worker process as the rest of the isolate).
type wasiExitError struct{ code int32 }

func (e *wasiExitError) Error() string { return fmt.Sprintf("wasm: proc_exit(%d)", e.code) }

// wasmEngine holds the live wasmer state for one loaded WASM code object.
type wasmEngine struct {
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance
	memory   *wasmer.Memory
}

// loadWASM implements the js∅/wasm✱ branch of the load-time state
// machine: compile and instantiate the module with the minimal
// wasi_snapshot_preview1 shim spec §6 requires (proc_exit only).
func loadWASM(bytes []byte) (*wasmEngine, error) {
	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.NewModule(store, bytes)
	if err != nil {
		return nil, fmt.Errorf("compile_failure: %w", err)
	}

	importObject := wasmer.NewImportObject()
	var exitCode int32
	var exited bool
	procExit := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			exitCode = args[0].I32()
			exited = true
			return nil, &wasiExitError{code: exitCode}
		},
	)
	importObject.Register("wasi_snapshot_preview1", map[string]wasmer.IntoExtern{
		"proc_exit": procExit,
	})

	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, fmt.Errorf("script_run_failure: %w", err)
	}

	we := &wasmEngine{store: store, module: module, instance: instance}
	if mem, err := instance.Exports.GetMemory("memory"); err == nil {
		we.memory = mem
	}
	_ = exited // exit status observed via the returned trap error, not polled here

	return we, nil
}

// Data implements the wasmMemory interface used by internal/engine's
// linear-memory read/write helpers.
func (e *wasmEngine) Data() []byte {
	if e.memory == nil {
		return nil
	}
	return e.memory.Data()
}

// hasMemory reports whether the module exported linear memory (spec
// §4.F step 6: "If the module exposes no memory export, pass parsed
// inputs unchanged").
func (e *wasmEngine) hasMemory() bool { return e.memory != nil }

// call resolves and invokes an exported function by name, returning its
// raw wasmer return values (spec §4.F step 5 WASM branch: "look up H on
// that exports object").
func (e *wasmEngine) call(name string, args ...any) (any, error) {
	fn, err := e.instance.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("bad_handler_name: %w", err)
	}
	if fn == nil {
		return nil, fmt.Errorf("bad_handler_name: export %q is not a function", name)
	}
	result, err := fn(args...)
	if err != nil {
		if exitErr, ok := err.(*wasiExitError); ok {
			return nil, exitErr
		}
		return nil, fmt.Errorf("execution_failure: %w", err)
	}
	return result, nil
}
