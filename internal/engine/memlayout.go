package engine

import "encoding/binary"

// Linear-memory record layout used to pass string and list-of-string
// values across the WASM boundary (spec §6 "WASM linear-memory layout").
// A string record is a 4-byte little-endian length header followed by
// its UTF-8 bytes. A list-of-string record is a 4-byte element-count
// header followed by that many 4-byte offsets, each pointing at a string
// record elsewhere in the same linear memory.
const (
	stringHeaderSize = 4
	listHeaderSize   = 4
	listElemSize     = 4
)

// wasmMemory is the minimal surface memlayout needs from a WASM module's
// exported linear memory, satisfied by both wasmer-go's *wasmer.Memory
// and a plain byte slice in tests.
type wasmMemory interface {
	Data() []byte
}

// sliceMemory adapts a plain []byte to wasmMemory for tests.
type sliceMemory []byte

func (s sliceMemory) Data() []byte { return s }

// writeCursor packs values into linear memory starting at a given offset,
// advancing as it goes, mirroring the spec's "advancing a local write
// cursor" description.
type writeCursor struct {
	mem    wasmMemory
	offset uint32
}

func newWriteCursor(mem wasmMemory, offset uint32) *writeCursor {
	return &writeCursor{mem: mem, offset: offset}
}

func (c *writeCursor) writeString(s string) (recordOffset uint32, err error) {
	data := c.mem.Data()
	need := stringHeaderSize + len(s)
	if int(c.offset)+need > len(data) {
		return 0, errOutOfBounds
	}
	recordOffset = c.offset
	binary.LittleEndian.PutUint32(data[c.offset:], uint32(len(s)))
	copy(data[c.offset+stringHeaderSize:], s)
	c.offset += uint32(need)
	return recordOffset, nil
}

func (c *writeCursor) writeListOfString(list []string) (recordOffset uint32, err error) {
	// Write each string first so the list's offsets are known.
	offsets := make([]uint32, len(list))
	for i, s := range list {
		off, err := c.writeString(s)
		if err != nil {
			return 0, err
		}
		offsets[i] = off
	}

	data := c.mem.Data()
	need := listHeaderSize + len(list)*listElemSize
	if int(c.offset)+need > len(data) {
		return 0, errOutOfBounds
	}
	recordOffset = c.offset
	binary.LittleEndian.PutUint32(data[c.offset:], uint32(len(list)))
	pos := c.offset + listHeaderSize
	for _, off := range offsets {
		binary.LittleEndian.PutUint32(data[pos:], off)
		pos += listElemSize
	}
	c.offset = pos
	return recordOffset, nil
}

var errOutOfBounds = boundsError("engine: linear memory write out of bounds")

type boundsError string

func (e boundsError) Error() string { return string(e) }

// readString decodes a string record at offset. An invalid pointer
// yields an empty string rather than an error (spec §4.F step 8).
func readString(mem wasmMemory, offset uint32) string {
	data := mem.Data()
	if uint64(offset)+stringHeaderSize > uint64(len(data)) {
		return ""
	}
	n := binary.LittleEndian.Uint32(data[offset:])
	start := offset + stringHeaderSize
	if uint64(start)+uint64(n) > uint64(len(data)) {
		return ""
	}
	return string(data[start : start+n])
}

// readListOfString decodes a list-of-string record at offset, the same
// "invalid pointer yields empty value" rule applying to both the list
// header and each element.
func readListOfString(mem wasmMemory, offset uint32) []string {
	data := mem.Data()
	if uint64(offset)+listHeaderSize > uint64(len(data)) {
		return nil
	}
	count := binary.LittleEndian.Uint32(data[offset:])
	base := offset + listHeaderSize
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		pos := base + i*listElemSize
		if uint64(pos)+listElemSize > uint64(len(data)) {
			out = append(out, "")
			continue
		}
		elemOff := binary.LittleEndian.Uint32(data[pos:])
		out = append(out, readString(mem, elemOff))
	}
	return out
}
