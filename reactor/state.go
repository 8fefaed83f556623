package reactor

import "fmt"

// State is the lifecycle state of a Reactor. It only moves forward.
type State int32

const (
	Unstarted State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// socketState is the lifecycle of AsyncSocket and AsyncServerSocket.
type socketState int32

const (
	socketCreated socketState = iota
	socketBound
	socketStarted
	socketClosed
)

func (s socketState) String() string {
	switch s {
	case socketCreated:
		return "created"
	case socketBound:
		return "bound"
	case socketStarted:
		return "started"
	case socketClosed:
		return "closed"
	}
	return fmt.Sprintf("socketState(%d)", int32(s))
}
