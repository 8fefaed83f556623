package uring

import (
	"fmt"
	"syscall"
)

// CompletionError is the failure of one submitted operation, built from a
// negative completion result.
type CompletionError struct {
	Msg   string
	Op    OpCode
	Errno syscall.Errno
}

// NewCompletionError translates a negative completion result of op.
func NewCompletionError(msg string, op OpCode, res int32) *CompletionError {
	return &CompletionError{Msg: msg, Op: op, Errno: syscall.Errno(-res)}
}

func (e *CompletionError) Error() string {
	s := fmt.Sprintf("Opcode %s failed with error %d '%s'. "+
		"Go to https://man7.org/linux/man-pages/man2/io_uring_enter.2.html section 'CQE ERRORS', "+
		"for a proper explanation of the errorcode.", e.Op, int(e.Errno), e.Errno.Error())
	if e.Msg != "" {
		s = e.Msg + " " + s
	}
	return s
}

func (e *CompletionError) Unwrap() error {
	return e.Errno
}

// ResErrno returns the errno carried by a completion result, or 0.
func ResErrno(res int32) syscall.Errno {
	if res > -4096 && res < 0 {
		return syscall.Errno(-res)
	}
	return 0
}

// TemporaryErrno reports whether an operation failing with errno is worth retrying.
func TemporaryErrno(errno syscall.Errno) bool {
	return errno == syscall.EAGAIN || errno == syscall.EINTR || errno == syscall.ETIME ||
		errno == syscall.ENOBUFS || errno == syscall.EBUSY
}
