// File: api/oob.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Out-of-band lifecycle events routed through the filter chain.

package api

// OOBType is the closed set of out-of-band event tags.
type OOBType int

const (
	OOBBind OOBType = iota
	OOBCloseUser
	OOBCloseEOS
	OOBCloseError
	OOBCustom
)

func (t OOBType) String() string {
	switch t {
	case OOBBind:
		return "bind"
	case OOBCloseUser:
		return "close-user"
	case OOBCloseEOS:
		return "close-eos"
	case OOBCloseError:
		return "close-error"
	case OOBCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// IsClose reports whether t announces a connection shutdown.
func (t OOBType) IsClose() bool {
	return t == OOBCloseUser || t == OOBCloseEOS || t == OOBCloseError
}

// OOBEvent carries a tag and an optional source. Events are compared by value
// when queues coalesce adjacent duplicates.
type OOBEvent struct {
	Type   OOBType
	Source any
}
