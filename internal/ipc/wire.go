// Package ipc implements the channel and IPC-manager layer of spec §4.C
// and §4.D: one duplex request/response pipe per worker, built on an
// arena.Region and a workqueue.Container, plus the code cache and
// process-/thread-role bookkeeping that scopes which channel a given
// caller speaks on.
//
// Requests and responses are serialized into the arena's own block
// allocator using a flat, offset-based binary layout instead of
// protobuf (see DESIGN.md): the allocator hands out byte ranges
// addressed by uint32 offset, and a length-prefixed framing on top of
// that is all either side needs to decode a message in place.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// RequestKind distinguishes a code-load request from an invocation
// request on the wire (spec §4.G worker loop: "req.kind == load" / "==
// execute").
type RequestKind uint8

const (
	KindExecute RequestKind = iota
	KindLoad
)

// Request is the wire form of either a Code object (for a load) or an
// Invocation request (for an execute), framed as:
//
//	u8  kind
//	u64 version
//	str id            (load: the code object's identity; execute: empty)
//	str handlerName   (load: empty)
//	str wasmReturnType
//	str timeoutMs tag
//	str js            (execute: empty)
//	bytes wasm        (execute: empty)
//	[]str input
//	map[str]str tags
type Request struct {
	Kind           RequestKind
	Version        uint64
	ID             string
	HandlerName    string
	WasmReturnType string
	TimeoutMs      string
	JS             string
	WASM           []byte
	Input          []string
	Tags           map[string]string
}

// Response is the wire form of a worker's reply (spec §3 "Response").
type Response struct {
	ID         string
	ResultJSON string
	Kind       uint32 // engine.Kind, numerically — ipc does not import engine to avoid a cycle
	Message    string
}

// --- encoding ---

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func getString(buf []byte, pos int) (string, int, error) {
	if pos+4 > len(buf) {
		return "", pos, fmt.Errorf("ipc: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+n > len(buf) {
		return "", pos, fmt.Errorf("ipc: truncated string body")
	}
	return string(buf[pos : pos+n]), pos + n, nil
}

func getBytes(buf []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(buf) {
		return nil, pos, fmt.Errorf("ipc: truncated bytes length")
	}
	n := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+n > len(buf) {
		return nil, pos, fmt.Errorf("ipc: truncated bytes body")
	}
	if n == 0 {
		return nil, pos, nil
	}
	out := make([]byte, n)
	copy(out, buf[pos:pos+n])
	return out, pos + n, nil
}

// EncodeRequest serializes r into a flat byte slice suitable for writing
// into an arena-allocated block.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, 0, 128+len(r.JS)+len(r.WASM))
	buf = append(buf, byte(r.Kind))
	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], r.Version)
	buf = append(buf, verBuf[:]...)
	buf = putString(buf, r.ID)
	buf = putString(buf, r.HandlerName)
	buf = putString(buf, r.WasmReturnType)
	buf = putString(buf, r.TimeoutMs)
	buf = putString(buf, r.JS)
	buf = putBytes(buf, r.WASM)

	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(r.Input)))
	buf = append(buf, nBuf[:]...)
	for _, in := range r.Input {
		buf = putString(buf, in)
	}

	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(r.Tags)))
	buf = append(buf, nBuf[:]...)
	for k, v := range r.Tags {
		buf = putString(buf, k)
		buf = putString(buf, v)
	}
	return buf
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(buf []byte) (Request, error) {
	var r Request
	if len(buf) < 1+8 {
		return r, fmt.Errorf("ipc: request too short")
	}
	pos := 0
	r.Kind = RequestKind(buf[pos])
	pos++
	r.Version = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	var err error
	if r.ID, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.HandlerName, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.WasmReturnType, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.TimeoutMs, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.JS, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.WASM, pos, err = getBytes(buf, pos); err != nil {
		return r, err
	}

	if pos+4 > len(buf) {
		return r, fmt.Errorf("ipc: truncated input count")
	}
	n := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	r.Input = make([]string, n)
	for i := 0; i < n; i++ {
		if r.Input[i], pos, err = getString(buf, pos); err != nil {
			return r, err
		}
	}

	if pos+4 > len(buf) {
		return r, fmt.Errorf("ipc: truncated tag count")
	}
	n = int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	r.Tags = make(map[string]string, n)
	for i := 0; i < n; i++ {
		var k, v string
		if k, pos, err = getString(buf, pos); err != nil {
			return r, err
		}
		if v, pos, err = getString(buf, pos); err != nil {
			return r, err
		}
		r.Tags[k] = v
	}

	return r, nil
}

// EncodeResponse serializes a Response into a flat byte slice.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, 0, 64+len(r.ResultJSON)+len(r.Message))
	buf = putString(buf, r.ID)
	buf = putString(buf, r.ResultJSON)
	var kBuf [4]byte
	binary.LittleEndian.PutUint32(kBuf[:], r.Kind)
	buf = append(buf, kBuf[:]...)
	buf = putString(buf, r.Message)
	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(buf []byte) (Response, error) {
	var r Response
	pos := 0
	var err error
	if r.ID, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if r.ResultJSON, pos, err = getString(buf, pos); err != nil {
		return r, err
	}
	if pos+4 > len(buf) {
		return r, fmt.Errorf("ipc: truncated response kind")
	}
	r.Kind = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	if r.Message, _, err = getString(buf, pos); err != nil {
		return r, err
	}
	return r, nil
}
