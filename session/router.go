package session

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openiot/hostlink/link"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
)

const DefaultSubscribeDepth = 64

// ValidationError: structurally valid frame, semantically invalid telemetry.
// Logged and dropped, never fatal to the session.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("telemetry validation field=%s: %s", e.Field, e.Reason)
}

// Event is what subscribers receive: either one telemetry state change or
// one connectivity transition. Exactly one member is set.
type Event struct {
	Telemetry *proto.TelemetryEvent
	State     *link.StateChange
}

// Subscription is one subscriber's bounded queue. On overflow the oldest
// unread event is dropped; telemetry is current-state snapshots, not a log.
type Subscription struct {
	ch      chan Event
	dropped int64
	r       *router
}

func (sub *Subscription) Chan() <-chan Event { return sub.ch }
func (sub *Subscription) Dropped() int64     { return atomic.LoadInt64(&sub.dropped) }

// Close unsubscribes and closes the channel.
func (sub *Subscription) Close() { sub.r.unsubscribe(sub) }

type router struct {
	lk   sync.Mutex
	subs []*Subscription
	log  *log2.Log
	stat *Stat
}

func newRouter(log *log2.Log, stat *Stat) *router {
	return &router{log: log, stat: stat}
}

func (r *router) Subscribe(depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultSubscribeDepth
	}
	sub := &Subscription{ch: make(chan Event, depth), r: r}
	r.lk.Lock()
	r.subs = append(r.subs, sub)
	r.lk.Unlock()
	return sub
}

func (r *router) unsubscribe(sub *Subscription) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (r *router) closeAll() {
	r.lk.Lock()
	defer r.lk.Unlock()
	for _, sub := range r.subs {
		close(sub.ch)
	}
	r.subs = nil
}

// publish delivers ev to every subscriber without ever blocking: a full
// queue sheds its oldest event first.
func (r *router) publish(ev Event) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
			atomic.AddInt64(&sub.dropped, 1)
			r.stat.EventsDropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// onTelemetry validates one inbound telemetry message and publishes one
// TelemetryEvent per reading, fields in stable order, so events for the
// same device preserve arrival order deterministically.
func (r *router) onTelemetry(m *proto.Message) {
	if err := validateTelemetry(m.Telemetry); err != nil {
		r.stat.ValidationErrors.Add(1)
		r.log.Errorf("telemetry dev=%08x dropped: %v", m.DeviceID, err)
		return
	}
	fields := make([]string, 0, len(m.Telemetry.Readings))
	for f := range m.Telemetry.Readings {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	observed := time.Unix(0, m.Time)
	for _, f := range fields {
		r.stat.TelemetryEvents.Add(1)
		r.publish(Event{Telemetry: &proto.TelemetryEvent{
			DeviceID:   m.DeviceID,
			Field:      f,
			Value:      m.Telemetry.Readings[f],
			ObservedAt: observed,
		}})
	}
}

func validateTelemetry(p *proto.TelemetryPayload) error {
	if p == nil || len(p.Readings) == 0 {
		return &ValidationError{Reason: "no readings"}
	}
	for f, v := range p.Readings {
		if _, known := proto.KnownFields[f]; !known {
			return &ValidationError{Field: f, Reason: "unknown field"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: f, Reason: "value is not finite"}
		}
	}
	return nil
}
