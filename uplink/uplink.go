// Package uplink republishes telemetry and connectivity transitions to an
// MQTT broker through a persistent disk queue.
//
// Contract:
//   - New fails only with invalid config, network issues are ignored
//   - Attach consumers block at most for a disk write; delivery happens in
//     background and survives restarts
//   - telemetry is delivered at least once; state transitions may be lost
//   - Close blocks until the queue worker stops
package uplink

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/session"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

// tag byte ahead of each queued record
const (
	qState     byte = 1
	qTelemetry byte = 2
)

type telemetryRecord struct {
	DeviceID   uint32  `json:"dev_id"`
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
	ObservedAt int64   `json:"observed_at"`
}

type stateRecord struct {
	DeviceID uint32 `json:"dev_id"`
	State    string `json:"state"`
	At       int64  `json:"at"`
}

type Uplink struct {
	log       *log2.Log
	transport Transporter
	q         *spq.Queue
	alive     *alive.Alive
}

func New(c *Config, trans Transporter) (*Uplink, error) {
	u := &Uplink{
		log:       c.Log,
		transport: trans,
		alive:     alive.NewAlive(),
	}
	if u.transport == nil { // production path
		u.transport = &transportMQTT{}
	}
	if err := u.transport.Init(u.log, c); err != nil {
		return nil, errors.Annotate(err, "uplink transport")
	}
	if c.QueuePath == "" {
		return nil, errors.NotValidf("uplink queue path empty")
	}
	var err error
	if u.q, err = spq.Open(c.QueuePath); err != nil {
		return nil, errors.Annotate(err, "uplink queue")
	}
	u.alive.Add(1)
	go u.qworker()
	return u, nil
}

// Attach consumes a session event stream until it is closed. Telemetry goes
// through the disk queue; state transitions are sent best effort.
func (u *Uplink) Attach(events <-chan session.Event) {
	if !u.alive.Add(1) {
		return
	}
	go func() {
		defer u.alive.Done()
		for ev := range events {
			switch {
			case ev.Telemetry != nil:
				u.pushTelemetry(ev.Telemetry.DeviceID, ev.Telemetry.Field, ev.Telemetry.Value, ev.Telemetry.ObservedAt)

			case ev.State != nil:
				b, err := json.Marshal(stateRecord{
					DeviceID: ev.State.DeviceID,
					State:    ev.State.New.String(),
					At:       ev.State.At.UnixNano(),
				})
				if err != nil {
					panic(err)
				}
				u.transport.SendState(b)
			}
		}
	}()
}

// Close stops the worker. Close attached subscriptions first so their
// goroutines drain out.
func (u *Uplink) Close() {
	u.alive.Stop()
	u.q.Close()
	u.alive.Wait()
	u.transport.Close()
}

func (u *Uplink) pushTelemetry(devID uint32, field string, value float64, at time.Time) {
	b, err := json.Marshal(telemetryRecord{
		DeviceID:   devID,
		Field:      field,
		Value:      value,
		ObservedAt: at.UnixNano(),
	})
	if err != nil {
		panic(err)
	}
	if err = u.q.Push(append([]byte{qTelemetry}, b...)); err != nil {
		u.log.Errorf("uplink queue push err=%v", err)
	}
}

func (u *Uplink) qworker() {
	defer u.alive.Done()
	for {
		box, err := u.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			var sent bool
			sent, err = u.qhandle(b)
			if err != nil {
				u.log.Errorf("uplink qhandle b=%x err=%v", b, err)
			}
			if sent {
				if err = u.q.Delete(box); err != nil {
					u.log.Errorf("uplink queue delete b=%x err=%v", b, err)
				}
			} else {
				if err = u.q.DeletePush(box); err != nil {
					u.log.Errorf("uplink queue requeue b=%x err=%v", b, err)
				}
			}

		case spq.ErrClosed:
			select {
			case <-u.alive.StopChan(): // success path
			default:
				u.log.Errorf("CRITICAL uplink queue closed unexpectedly")
			}
			return

		default:
			u.log.Errorf("CRITICAL uplink queue err=%v", err)
		}
	}
}

// qhandle returns true when the record must leave the queue, either sent or
// unparseable so a retry will not help.
func (u *Uplink) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.Errorf("uplink queue empty record")
	}
	switch b[0] {
	case qTelemetry:
		var rec telemetryRecord
		if err := json.Unmarshal(b[1:], &rec); err != nil {
			return true, err
		}
		return u.transport.SendTelemetry(b[1:]), nil

	case qState:
		return u.transport.SendState(b[1:]), nil

	default:
		return true, errors.Errorf("uplink queue unknown tag=%d", b[0])
	}
}
