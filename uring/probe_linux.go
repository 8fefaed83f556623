//go:build linux

package uring

import (
	"unsafe"
)

type (
	Probe struct {
		lastOp uint8
		opsLen uint8
		_res   uint16
		_res2  [3]uint32
		ops    [256]probeOp
	}
	probeOp struct {
		op    uint8
		_res  uint8
		flags uint16
		_res2 uint32
	}
)

const opSupportedFlag uint16 = 1 << 0

// Supported reports whether the kernel implements op.
func (p *Probe) Supported(op OpCode) bool {
	if uint8(op) > p.lastOp {
		return false
	}
	return p.ops[op].flags&opSupportedFlag != 0
}

// Probe asks the kernel which opcodes it supports (IORING_REGISTER_PROBE, 5.6+).
func (r *Ring) Probe() (*Probe, error) {
	probe := &Probe{}
	err := sysRegister(r.fd, sysRegisterProbe, unsafe.Pointer(probe), 256)
	return probe, err
}
