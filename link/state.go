package link

import (
	"fmt"
	"time"
)

// State of one device connection, owned solely by the Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("invalid(%d)", int32(s))
}

// StateChange is emitted on every transition, in transition order.
type StateChange struct {
	DeviceID uint32
	Old      State
	New      State
	At       time.Time
}

func (sc StateChange) String() string {
	return fmt.Sprintf("(dev=%08x %s->%s)", sc.DeviceID, sc.Old, sc.New)
}
