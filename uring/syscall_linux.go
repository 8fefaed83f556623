//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	setupCQSize uint32 = 1 << 3
	setupClamp  uint32 = 1 << 4
)

const (
	featSingleMMap uint32 = 1 << 0
	featExtArg     uint32 = 1 << 8
)

const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

const (
	enterGetEvents uint32 = 1 << 0
	enterExtArg    uint32 = 1 << 3
)

const sysRegisterProbe = 8

//copied from signal_unix.numSig
const numSig = 65

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// ringParams mirrors struct io_uring_params.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

func (p *ringParams) ExtArgFeature() bool {
	return p.features&featExtArg != 0
}

// getEventsArg mirrors struct io_uring_getevents_arg.
type getEventsArg struct {
	sigMask   uint64
	sigMaskSz uint32
	pad       uint32
	ts        uint64
}

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return int(fd), errno
	}
	return int(fd), nil
}

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, arg unsafe.Pointer, sz int) (uint, error) {
	consumed, _, errno := syscall.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		uintptr(sz),
	)
	if errno != 0 {
		return 0, errno
	}
	return uint(consumed), nil
}

func sysRegister(ringFD int, op int, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := syscall.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(ringFD),
		uintptr(op),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
