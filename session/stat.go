package session

// Counters are updated atomically but not consistently with each other.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	CommandsSent     expvar.Int
	Timeouts         expvar.Int
	LateResponses    expvar.Int
	TelemetryEvents  expvar.Int
	ValidationErrors expvar.Int
	EventsDropped    expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"commands":%d,"timeouts":%d,"late":%d,"telemetry":%d,"invalid":%d,"dropped":%d}`,
		s.CommandsSent.Value(), s.Timeouts.Value(), s.LateResponses.Value(),
		s.TelemetryEvents.Value(), s.ValidationErrors.Value(), s.EventsDropped.Value())
}
