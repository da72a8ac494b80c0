package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRejectsEmptyCode(t *testing.T) {
	m := NewManager(nil)
	status := m.Load(CodeObject{Version: 1})
	require.Equal(t, CompileFailure, status.Kind)
	require.False(t, m.IsLoaded())
}

func TestLoadRejectsInvalidJS(t *testing.T) {
	m := NewManager(nil)
	status := m.Load(CodeObject{Version: 1, JS: "function(("})
	require.Equal(t, CompileFailure, status.Kind)
}

func TestLoadThenExecuteJSHandler(t *testing.T) {
	m := NewManager(nil)
	status := m.Load(CodeObject{Version: 1, JS: "function handle(a, b){ return a + b; }"})
	require.True(t, status.OK())
	require.True(t, m.IsLoaded())

	result := m.Execute(Invocation{Version: 1, HandlerName: "handle", Input: []string{"2", "3"}})
	require.True(t, result.Status.OK())
	require.Equal(t, "5", result.ResultJSON)
}

func TestExecuteRejectsMismatchedVersion(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ return 1; }"}).OK())

	result := m.Execute(Invocation{Version: 2, HandlerName: "h"})
	require.Equal(t, UnmatchedVersion, result.Status.Kind)
}

func TestExecuteBeforeLoadReportsIsolateNotReady(t *testing.T) {
	m := NewManager(nil)
	result := m.Execute(Invocation{Version: 1, HandlerName: "h"})
	require.Equal(t, IsolateNotReady, result.Status.Kind)
}

func TestExecuteRejectsMissingHandler(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ return 1; }"}).OK())

	result := m.Execute(Invocation{Version: 1, HandlerName: "nope"})
	require.Equal(t, BadHandlerName, result.Status.Kind)
}

func TestExecuteReportsHandlerRuntimeError(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ throw new Error('boom'); }"}).OK())

	result := m.Execute(Invocation{Version: 1, HandlerName: "h"})
	require.Equal(t, ExecutionFailure, result.Status.Kind)
}

func TestExecuteTerminatesOnTimeout(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ while(true){} }"}).OK())

	result := m.Execute(Invocation{Version: 1, HandlerName: "h", TimeoutMs: "50"})
	require.Equal(t, ExecutionTimeout, result.Status.Kind)
}

func TestLoadReplacesPriorIsolate(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ return 1; }"}).OK())
	require.True(t, m.Load(CodeObject{Version: 2, JS: "function h(){ return 2; }"}).OK())

	result := m.Execute(Invocation{Version: 2, HandlerName: "h"})
	require.True(t, result.Status.OK())
	require.Equal(t, "2", result.ResultJSON)
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.Load(CodeObject{Version: 1, JS: "function h(){ return 1; }"}).OK())
	m.Stop()
	m.Stop()
}
