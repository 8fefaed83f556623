package reactor

import (
	"math"

	"github.com/victorlira/hazelcast/uring"
)

const (
	// timeoutUserData tags the park timeout; no handler ever gets this id.
	timeoutUserData = math.MaxUint64
	// timeoutRemoveUserData tags the removal of a park timeout.
	timeoutRemoveUserData = math.MaxUint64 - 1
)

// RequestID is the userdata of a submission queued by IoUringBackend.
// The upper 56 bits select the completion handler, the low byte is the opcode,
// so one handler can have several operations in flight.
type RequestID uint64

func newRequestID(handler uint64, opcode uring.OpCode) RequestID {
	return RequestID(handler<<8 | uint64(opcode))
}

func (id RequestID) handler() uint64 {
	return uint64(id) >> 8
}

func (id RequestID) opcode() uring.OpCode {
	return uring.OpCode(id & 0xff)
}
