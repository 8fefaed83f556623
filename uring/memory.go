package uring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory is a bounds-checked view over a fixed region, usually a ring mapping
// shared with the kernel. Every accessor takes a byte offset into the region;
// an offset outside it panics with an index error.
//
// 32-bit cursor accessors use atomic loads and stores, which is at least as strong
// as the acquire/release ordering the kernel side expects.
type Memory struct {
	buf []byte
}

// NewMemory wraps buf. The region must stay alive as long as the view is used.
func NewMemory(buf []byte) *Memory {
	return &Memory{buf: buf}
}

// Allocate returns a zeroed, 8-byte aligned Memory of size bytes on the Go heap.
func Allocate(size int) *Memory {
	words := make([]uint64, (size+7)/8)
	if len(words) == 0 {
		return &Memory{buf: []byte{}}
	}
	return &Memory{buf: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)}
}

func (m *Memory) Len() int {
	return len(m.buf)
}

// Bytes returns the underlying region.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// Addr returns the address of the byte at off, for handing to the kernel.
func (m *Memory) Addr(off int) uintptr {
	return uintptr(unsafe.Pointer(&m.buf[off]))
}

func (m *Memory) Uint8(off int) uint8 {
	return m.buf[off]
}

func (m *Memory) PutUint8(off int, v uint8) {
	m.buf[off] = v
}

func (m *Memory) Uint16(off int) uint16 {
	return binary.NativeEndian.Uint16(m.buf[off : off+2])
}

func (m *Memory) PutUint16(off int, v uint16) {
	binary.NativeEndian.PutUint16(m.buf[off:off+2], v)
}

func (m *Memory) Uint32(off int) uint32 {
	return binary.NativeEndian.Uint32(m.buf[off : off+4])
}

func (m *Memory) PutUint32(off int, v uint32) {
	binary.NativeEndian.PutUint32(m.buf[off:off+4], v)
}

func (m *Memory) Int32(off int) int32 {
	return int32(m.Uint32(off))
}

func (m *Memory) PutInt32(off int, v int32) {
	m.PutUint32(off, uint32(v))
}

func (m *Memory) Uint64(off int) uint64 {
	return binary.NativeEndian.Uint64(m.buf[off : off+8])
}

func (m *Memory) PutUint64(off int, v uint64) {
	binary.NativeEndian.PutUint64(m.buf[off:off+8], v)
}

// Zero clears n bytes starting at off.
func (m *Memory) Zero(off, n int) {
	clear(m.buf[off : off+n])
}

// LoadAcquireUint32 reads a cursor the other side publishes.
func (m *Memory) LoadAcquireUint32(off int) uint32 {
	return atomic.LoadUint32(m.word32(off))
}

// StoreReleaseUint32 publishes a cursor to the other side. All plain writes made
// before the call are visible to a reader that observes the new value.
func (m *Memory) StoreReleaseUint32(off int, v uint32) {
	atomic.StoreUint32(m.word32(off), v)
}

func (m *Memory) word32(off int) *uint32 {
	b := m.buf[off : off+4 : off+4]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("uring: misaligned cursor at offset %d", off))
	}
	return (*uint32)(p)
}
