package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	r := Request{
		Kind:           KindExecute,
		Version:        7,
		HandlerName:    "handle",
		WasmReturnType: "string",
		TimeoutMs:      "250",
		JS:             "",
		WASM:           nil,
		Input:          []string{"a", "b", "c"},
		Tags:           map[string]string{"trace": "xyz"},
	}
	decoded, err := DecodeRequest(EncodeRequest(r))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestEncodeDecodeRequestLoadWithWasm(t *testing.T) {
	r := Request{
		Kind:    KindLoad,
		Version: 3,
		ID:      "code-3",
		JS:      "function handle(){}",
		WASM:    []byte{0x00, 0x61, 0x73, 0x6d},
		Input:   []string{},
		Tags:    map[string]string{},
	}
	decoded, err := DecodeRequest(EncodeRequest(r))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestDecodeRequestTruncatedFails(t *testing.T) {
	r := Request{Kind: KindExecute, Version: 1, Input: []string{}, Tags: map[string]string{}}
	buf := EncodeRequest(r)
	_, err := DecodeRequest(buf[:len(buf)-2])
	require.Error(t, err)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	r := Response{
		ID:         "req-1",
		ResultJSON: `{"ok":true}`,
		Kind:       1,
		Message:    "",
	}
	decoded, err := DecodeResponse(EncodeResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestEncodeDecodeResponseWithMessage(t *testing.T) {
	r := Response{ID: "req-2", ResultJSON: "", Kind: 9, Message: "boom"}
	decoded, err := DecodeResponse(EncodeResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}
