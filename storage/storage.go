// Package storage is the persistence boundary of the daemon. The core link
// and session packages never touch it; writers are plugged in as event
// subscribers.
package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/openiot/hostlink/proto"
)

// Storer implementations must be safe for concurrent use.
type Storer interface {
	StoreTelemetry(ev *proto.TelemetryEvent) error
	StoreCommandAudit(a *CommandAudit) error
	Close() error
}

// CommandAudit is one operator command and its outcome.
type CommandAudit struct {
	ID       string
	DeviceID uint32
	Action   string
	Value    float64
	Status   string
	SentAt   time.Time
	DoneAt   time.Time
}

func NewCommandAudit(deviceID uint32, action string, value float64) *CommandAudit {
	return &CommandAudit{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Action:   action,
		Value:    value,
		SentAt:   time.Now(),
	}
}

// Done records the final status. Call exactly once, then store.
func (a *CommandAudit) Done(status string) *CommandAudit {
	a.Status = status
	a.DoneAt = time.Now()
	return a
}
