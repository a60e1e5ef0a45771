package proto

import (
	"fmt"
	"time"
)

// Telemetry fields understood by this host. Readings outside this set are
// rejected by the telemetry router, not by the codec.
var KnownFields = map[string]struct{}{
	"temperature": {},
	"humidity":    {},
	"light":       {},
	"speed":       {},
	"voltage":     {},
}

// TelemetryEvent is one validated state change of one device field.
// Immutable after construction; consumers receive copies.
type TelemetryEvent struct {
	DeviceID   uint32
	Field      string
	Value      float64
	ObservedAt time.Time
}

func (e TelemetryEvent) String() string {
	return fmt.Sprintf("(dev=%08x %s=%v at=%s)", e.DeviceID, e.Field, e.Value, e.ObservedAt.Format(time.RFC3339Nano))
}
