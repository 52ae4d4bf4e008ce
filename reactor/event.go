// File: reactor/event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed events and the state sets they drive.

package reactor

import "fmt"

// EventType tags an Event.
type EventType int

const (
	// connection events
	EventConnect EventType = iota
	EventAccept
	EventRegister
	EventDispatch
	EventRead
	EventWrite
	EventClose
	EventError
	EventOOB

	// thread events
	EventShutdown
	EventListConnections
	EventListAddresses
	EventGetBacklog
	EventSetBacklog
)

var eventNames = [...]string{
	EventConnect:         "CONNECT",
	EventAccept:          "ACCEPT",
	EventRegister:        "REGISTER",
	EventDispatch:        "DISPATCH",
	EventRead:            "READ",
	EventWrite:           "WRITE",
	EventClose:           "CLOSE",
	EventError:           "ERROR",
	EventOOB:             "OOB",
	EventShutdown:        "SHUTDOWN",
	EventListConnections: "LIST_CONNECTIONS",
	EventListAddresses:   "LIST_ADDRESSES",
	EventGetBacklog:      "GET_BACKLOG",
	EventSetBacklog:      "SET_BACKLOG",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

var (
	connEventTypes = []EventType{
		EventConnect, EventAccept, EventRegister, EventDispatch,
		EventRead, EventWrite, EventClose, EventError, EventOOB,
	}
	threadEventTypes = []EventType{
		EventShutdown, EventListConnections, EventListAddresses,
		EventGetBacklog, EventSetBacklog,
	}
)

// Event is the unit of cross-thread signaling. Conn is nil for events
// addressed to the thread itself.
type Event struct {
	Type EventType
	Arg  any
	Conn *Connection
}

func (e Event) String() string {
	if e.Conn == nil {
		return e.Type.String()
	}
	return fmt.Sprintf("%s(%s)", e.Type, e.Conn.Name())
}

// State is a connection lifecycle state.
type State int32

const (
	StateVirgin State = iota
	StateConnect
	StateAccept
	StateRegister
	StateActive
	StateClosing
	StateClosed
)

var connStates = []State{
	StateVirgin, StateConnect, StateAccept, StateRegister,
	StateActive, StateClosing, StateClosed,
}

func (s State) String() string {
	switch s {
	case StateVirgin:
		return "VIRGIN"
	case StateConnect:
		return "CONNECT"
	case StateAccept:
		return "ACCEPT"
	case StateRegister:
		return "REGISTER"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ThreadState is a reactor thread lifecycle state.
type ThreadState int32

const (
	ThreadRun ThreadState = iota
	ThreadClosing
	ThreadClosed
)

var threadStates = []ThreadState{ThreadRun, ThreadClosing, ThreadClosed}

func (s ThreadState) String() string {
	switch s {
	case ThreadRun:
		return "RUN"
	case ThreadClosing:
		return "CLOSING"
	case ThreadClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ThreadState(%d)", int32(s))
	}
}

// stateMask bits record completion for waiters.
const (
	maskBound uint32 = 1 << iota
	maskClosed
)

// request carries a management query and its reply channel.
type request struct {
	value int
	reply chan response
}

type response struct {
	value any
	err   error
}

func newRequest(value int) *request {
	return &request{value: value, reply: make(chan response, 1)}
}

func (q *request) answer(v any, err error) {
	q.reply <- response{value: v, err: err}
}
