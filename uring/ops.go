package uring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OpCode is an io_uring operation code.
type OpCode uint8

const (
	OpNop OpCode = iota
	OpReadV
	OpWriteV
	OpFSync
	OpReadFixed
	OpWriteFixed
	OpPollAdd
	OpPollRemove
	OpSyncFileRange
	OpSendMsg
	OpRecvMsg
	OpTimeout
	OpTimeoutRemove
	OpAccept
	OpAsyncCancel
	OpLinkTimeout
	OpConnect
	OpFAllocate
	OpOpenAt
	OpClose
	OpFilesUpdate
	OpStatx
	OpRead
	OpWrite
	OpFAdvise
	OpMAdvise
	OpSend
	OpRecv
	OpOpenAt2
	OpEpollCtl
	OpSplice
	OpProvideBuffers
	OpRemoveBuffers
	OpTee
	OpShutdown

	opLast
)

var opNames = [...]string{
	"NOP", "READV", "WRITEV", "FSYNC", "READ_FIXED", "WRITE_FIXED", "POLL_ADD", "POLL_REMOVE",
	"SYNC_FILE_RANGE", "SENDMSG", "RECVMSG", "TIMEOUT", "TIMEOUT_REMOVE", "ACCEPT", "ASYNC_CANCEL",
	"LINK_TIMEOUT", "CONNECT", "FALLOCATE", "OPENAT", "CLOSE", "FILES_UPDATE", "STATX", "READ",
	"WRITE", "FADVISE", "MADVISE", "SEND", "RECV", "OPENAT2", "EPOLL_CTL", "SPLICE",
	"PROVIDE_BUFFERS", "REMOVE_BUFFERS", "TEE", "SHUTDOWN",
}

func (c OpCode) String() string {
	if c < opLast {
		return "IORING_OP_" + opNames[c]
	}
	return fmt.Sprintf("IORING_OP_%d", uint8(c))
}

// SQE field offsets, see struct io_uring_sqe.
const (
	SQESize = 64

	offSQEOpcode      = 0
	offSQEFlags       = 1
	offSQEIoPrio      = 2
	offSQEFd          = 4
	offSQEOff         = 8
	offSQEAddr        = 16
	offSQELen         = 24
	offSQEOpFlags     = 28
	offSQEUserData    = 32
	offSQEBufIndex    = 40
	offSQEPersonality = 42
	offSQESpliceFdIn  = 44
)

// SQE flags.
const (
	SqeFixedFile uint8 = 1 << iota
	SqeIODrain
	SqeIOLink
	SqeIOHardLink
	SqeAsync
	SqeBufferSelect
)

// SQE is one submission entry slot inside the SQE array.
type SQE struct {
	mem *Memory
	off int
}

func (s SQE) reset() {
	s.mem.Zero(s.off, SQESize)
}

func (s SQE) fill(op OpCode, fd int32, addr uint64, length uint32, offset uint64) {
	s.mem.PutUint8(s.off+offSQEOpcode, uint8(op))
	s.mem.PutInt32(s.off+offSQEFd, fd)
	s.mem.PutUint64(s.off+offSQEAddr, addr)
	s.mem.PutUint32(s.off+offSQELen, length)
	s.mem.PutUint64(s.off+offSQEOff, offset)
}

func (s SQE) Opcode() OpCode {
	return OpCode(s.mem.Uint8(s.off + offSQEOpcode))
}

func (s SQE) Flags() uint8 {
	return s.mem.Uint8(s.off + offSQEFlags)
}

func (s SQE) SetFlags(flags uint8) {
	s.mem.PutUint8(s.off+offSQEFlags, flags)
}

func (s SQE) Fd() int32 {
	return s.mem.Int32(s.off + offSQEFd)
}

func (s SQE) Addr() uint64 {
	return s.mem.Uint64(s.off + offSQEAddr)
}

func (s SQE) Len() uint32 {
	return s.mem.Uint32(s.off + offSQELen)
}

func (s SQE) Off() uint64 {
	return s.mem.Uint64(s.off + offSQEOff)
}

func (s SQE) OpFlags() uint32 {
	return s.mem.Uint32(s.off + offSQEOpFlags)
}

func (s SQE) SetOpFlags(flags uint32) {
	s.mem.PutUint32(s.off+offSQEOpFlags, flags)
}

func (s SQE) UserData() uint64 {
	return s.mem.Uint64(s.off + offSQEUserData)
}

func (s SQE) SetUserData(ud uint64) {
	s.mem.PutUint64(s.off+offSQEUserData, ud)
}

// Operation fills a submission entry.
type Operation interface {
	PrepSQE(SQE)
	Code() OpCode
}

func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

//NopOp - do not perform any I/O.
type NopOp struct{}

func (op *NopOp) PrepSQE(sqe SQE) {
	sqe.fill(OpNop, -1, 0, 0, 0)
}

func (op *NopOp) Code() OpCode {
	return OpNop
}

//AcceptOp accepts a connection on a listening socket, similar to accept4(2).
//Addr and AddrLen receive the peer address and must stay alive until completion.
type AcceptOp struct {
	Fd      int
	Addr    *unix.RawSockaddrAny
	AddrLen *uint32
	Flags   uint32
}

func (op *AcceptOp) PrepSQE(sqe SQE) {
	var addr, addrLen uint64
	if op.Addr != nil && op.AddrLen != nil {
		addr = uint64(uintptr(unsafe.Pointer(op.Addr)))
		addrLen = uint64(uintptr(unsafe.Pointer(op.AddrLen)))
	}
	sqe.fill(OpAccept, int32(op.Fd), addr, 0, addrLen)
	sqe.SetOpFlags(op.Flags)
}

func (op *AcceptOp) Code() OpCode {
	return OpAccept
}

//ConnectOp connects a socket, similar to connect(2).
type ConnectOp struct {
	Fd      int
	Addr    *unix.RawSockaddrAny
	AddrLen uint32
}

func (op *ConnectOp) PrepSQE(sqe SQE) {
	sqe.fill(OpConnect, int32(op.Fd), uint64(uintptr(unsafe.Pointer(op.Addr))), 0, uint64(op.AddrLen))
}

func (op *ConnectOp) Code() OpCode {
	return OpConnect
}

//RecvOp receives into Buf, similar to recv(2).
type RecvOp struct {
	Fd       int
	Buf      []byte
	MsgFlags uint32
}

func (op *RecvOp) PrepSQE(sqe SQE) {
	sqe.fill(OpRecv, int32(op.Fd), bufAddr(op.Buf), uint32(len(op.Buf)), 0)
	sqe.SetOpFlags(op.MsgFlags)
}

func (op *RecvOp) Code() OpCode {
	return OpRecv
}

//WriteVOp vectored write, similar to writev(2). IOVecs must stay alive until completion.
type WriteVOp struct {
	Fd     int
	IOVecs []unix.Iovec
}

func (op *WriteVOp) PrepSQE(sqe SQE) {
	var addr uint64
	if len(op.IOVecs) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&op.IOVecs[0])))
	}
	sqe.fill(OpWriteV, int32(op.Fd), addr, uint32(len(op.IOVecs)), 0)
}

func (op *WriteVOp) Code() OpCode {
	return OpWriteV
}

//ReadOp reads into Buf, similar to pread(2).
type ReadOp struct {
	Fd     int
	Buf    []byte
	Offset uint64
}

func (op *ReadOp) PrepSQE(sqe SQE) {
	sqe.fill(OpRead, int32(op.Fd), bufAddr(op.Buf), uint32(len(op.Buf)), op.Offset)
}

func (op *ReadOp) Code() OpCode {
	return OpRead
}

// KernelTimespec mirrors struct __kernel_timespec.
type KernelTimespec struct {
	Sec  int64
	Nsec int64
}

// SetDuration sets the timespec from nanoseconds.
func (ts *KernelTimespec) SetDuration(nsec int64) {
	ts.Sec = nsec / 1e9
	ts.Nsec = nsec % 1e9
}

//TimeoutOp completes after TS elapses or Count other completions, whichever is first.
//A timeout that expires completes with -ETIME.
type TimeoutOp struct {
	TS    *KernelTimespec
	Count uint64
	Flags uint32
}

func (op *TimeoutOp) PrepSQE(sqe SQE) {
	sqe.fill(OpTimeout, -1, uint64(uintptr(unsafe.Pointer(op.TS))), 1, op.Count)
	sqe.SetOpFlags(op.Flags)
}

func (op *TimeoutOp) Code() OpCode {
	return OpTimeout
}

//TimeoutRemoveOp removes the timeout submitted with TargetUserData. The removed
//timeout completes with -ECANCELED.
type TimeoutRemoveOp struct {
	TargetUserData uint64
	Flags          uint32
}

func (op *TimeoutRemoveOp) PrepSQE(sqe SQE) {
	sqe.fill(OpTimeoutRemove, -1, op.TargetUserData, 0, 0)
	sqe.SetOpFlags(op.Flags)
}

func (op *TimeoutRemoveOp) Code() OpCode {
	return OpTimeoutRemove
}

//CancelOp attempts to cancel the request submitted with TargetUserData.
type CancelOp struct {
	TargetUserData uint64
	Flags          uint32
}

func (op *CancelOp) PrepSQE(sqe SQE) {
	sqe.fill(OpAsyncCancel, -1, op.TargetUserData, 0, 0)
	sqe.SetOpFlags(op.Flags)
}

func (op *CancelOp) Code() OpCode {
	return OpAsyncCancel
}

