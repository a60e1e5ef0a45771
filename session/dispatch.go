package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/openiot/hostlink/helpers"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
)

var (
	ErrTimeout        = fmt.Errorf("command timeout")
	ErrConnectionLost = fmt.Errorf("connection lost")
)

// DeviceError is a device-reported failure of a pending command.
type DeviceError struct {
	Code    int32
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error code=%d message=%s", e.Code, e.Message)
}

// pendingCommand is one issued, unanswered command. The future is resolved
// exactly once: matching response, device error, timeout, cancellation or
// connection loss, whichever comes first.
type pendingCommand struct {
	seq    uint16
	sentAt time.Time
	f      *helpers.Future
}

// dispatcher owns the pending-command map. Correlation ids are unique among
// commands currently in flight; the counter skips 0 and ids still pending.
type dispatcher struct {
	lk      sync.Mutex
	pending map[uint16]*pendingCommand
	seq     uint16
	log     *log2.Log
	stat    *Stat
}

func newDispatcher(log *log2.Log, stat *Stat) *dispatcher {
	return &dispatcher{
		pending: make(map[uint16]*pendingCommand, 8),
		log:     log,
		stat:    stat,
	}
}

func (d *dispatcher) register() *pendingCommand {
	d.lk.Lock()
	defer d.lk.Unlock()
	for {
		d.seq++
		if d.seq == 0 {
			d.seq = 1
		}
		if _, busy := d.pending[d.seq]; !busy {
			break
		}
	}
	pc := &pendingCommand{
		seq:    d.seq,
		sentAt: time.Now(),
		f:      helpers.NewFuture(),
	}
	d.pending[pc.seq] = pc
	return pc
}

// remove forgets seq; returns true if it was still pending.
func (d *dispatcher) remove(seq uint16) bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	_, ok := d.pending[seq]
	delete(d.pending, seq)
	return ok
}

func (d *dispatcher) onResponse(m *proto.Message) {
	d.lk.Lock()
	pc := d.pending[m.Seq]
	delete(d.pending, m.Seq)
	d.lk.Unlock()
	if pc == nil {
		// late arrival for a timed-out or unknown id: anomaly, not an error
		d.stat.LateResponses.Add(1)
		d.log.Infof("late/unknown response seq=%d status=%s", m.Seq, m.Response.Status)
		return
	}
	pc.f.Complete(m.Response)
}

func (d *dispatcher) onDeviceError(m *proto.Message) {
	d.lk.Lock()
	pc := d.pending[m.Seq]
	delete(d.pending, m.Seq)
	d.lk.Unlock()
	if pc == nil {
		d.stat.LateResponses.Add(1)
		d.log.Infof("unsolicited device error seq=%d code=%d message=%s", m.Seq, m.Error.Code, m.Error.Message)
		return
	}
	pc.f.Cancel(&DeviceError{Code: m.Error.Code, Message: m.Error.Message})
}

// failAll resolves every pending command with err. Used on disconnect.
func (d *dispatcher) failAll(err error) {
	d.lk.Lock()
	pending := d.pending
	d.pending = make(map[uint16]*pendingCommand, 8)
	d.lk.Unlock()
	for _, pc := range pending {
		pc.f.Cancel(err)
	}
}

func (d *dispatcher) pendingCount() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return len(d.pending)
}
