package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/kernel/internal/engine"
)

// The API-boundary validation in Load/Execute/BatchExecute runs before
// anything touches the dispatcher, so a zero-value Runtime is enough to
// exercise it without standing up real channels or workers.

func TestLoadRejectsZeroVersion(t *testing.T) {
	r := &Runtime{}
	err := r.Load(engine.CodeObject{Version: 0, JS: "x"}, func(engine.Status) {})
	require.Error(t, err)
}

func TestLoadRejectsEmptyCode(t *testing.T) {
	r := &Runtime{}
	err := r.Load(engine.CodeObject{Version: 1}, func(engine.Status) {})
	require.Error(t, err)
}

func TestExecuteRejectsZeroVersion(t *testing.T) {
	r := &Runtime{}
	err := r.Execute(engine.Invocation{Version: 0, HandlerName: "h"}, func(engine.Result) {})
	require.Error(t, err)
}

func TestExecuteRejectsEmptyHandlerName(t *testing.T) {
	r := &Runtime{}
	err := r.Execute(engine.Invocation{Version: 1, HandlerName: ""}, func(engine.Result) {})
	require.Error(t, err)
}

func TestBatchExecuteRejectsAnyInvalidInvocation(t *testing.T) {
	r := &Runtime{}
	invs := []engine.Invocation{
		{Version: 1, HandlerName: "a"},
		{Version: 0, HandlerName: "b"},
	}
	err := r.BatchExecute(invs, func([]engine.Result) {})
	require.Error(t, err)
}

func TestWasmReturnTypeTagRoundTrips(t *testing.T) {
	require.Equal(t, "u32", wasmReturnTypeTag(engine.ReturnU32))
	require.Equal(t, "string", wasmReturnTypeTag(engine.ReturnString))
	require.Equal(t, "list_of_string", wasmReturnTypeTag(engine.ReturnListOfString))
	require.Equal(t, "", wasmReturnTypeTag(engine.ReturnUnknown))
}
