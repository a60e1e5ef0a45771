// Package session composes the protocol layer for one device endpoint:
// connection manager, command dispatcher and telemetry router behind a
// single entry point used by the operator interface and persistence.
package session

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/link"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
)

const DefaultCommandTimeout = 5 * time.Second

type Options struct {
	Log      *log2.Log
	Endpoint string
	DeviceID uint32

	NetworkTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	CommandTimeout    time.Duration
}

// Session is one logical connection lifecycle to one device endpoint.
// Sessions do not share correlation id space.
type Session struct {
	mgr  *link.Manager
	disp *dispatcher
	rtr  *router
	opt  *Options
	log  *log2.Log
	stat Stat
}

func New(opt *Options) (*Session, error) {
	if opt.CommandTimeout == 0 {
		opt.CommandTimeout = DefaultCommandTimeout
	}
	s := &Session{
		opt: opt,
		log: opt.Log,
	}
	s.disp = newDispatcher(opt.Log, &s.stat)
	s.rtr = newRouter(opt.Log, &s.stat)

	mopt := &link.ManagerOptions{
		Endpoint:          opt.Endpoint,
		DeviceID:          opt.DeviceID,
		HeartbeatInterval: opt.HeartbeatInterval,
		HeartbeatGrace:    opt.HeartbeatGrace,
		ReconnectBase:     opt.ReconnectBase,
		ReconnectMax:      opt.ReconnectMax,
		OnMessage:         s.onMessage,
		OnState:           s.onState,
	}
	mopt.Log = opt.Log
	mopt.NetworkTimeout = opt.NetworkTimeout
	mgr, err := link.NewManager(mopt)
	if err != nil {
		return nil, errors.Annotate(err, "session manager")
	}
	s.mgr = mgr
	return s, nil
}

// Connect starts the connection manager. Establishing the link happens in
// the background; watch connectivity events or ConnectionState.
func (s *Session) Connect() error { return s.mgr.Start() }

// Close tears the session down. In-flight commands resolve with
// ErrConnectionLost, subscriber channels are closed, no timer fires after
// return.
func (s *Session) Close() error {
	err := s.mgr.Close()
	s.disp.failAll(ErrConnectionLost)
	s.rtr.closeAll()
	return err
}

func (s *Session) ConnectionState() link.State { return s.mgr.State() }
func (s *Session) Stat() *Stat                 { return &s.stat }
func (s *Session) LinkStat() *link.Stat        { return s.mgr.Stat() }

// Subscribe registers a consumer of telemetry and connectivity events with
// its own bounded queue of the given depth (0 for default).
func (s *Session) Subscribe(depth int) *Subscription {
	return s.rtr.Subscribe(depth)
}

// SendCommand issues one command and suspends the caller until a matching
// response arrives, timeout elapses, ctx is cancelled or the connection is
// lost. There is no automatic retry after connection loss: a resend could
// repeat a side effect on the device, that call is the operator's.
func (s *Session) SendCommand(ctx context.Context, payload *proto.CommandPayload, timeout time.Duration) (*proto.ResponsePayload, error) {
	if timeout <= 0 {
		timeout = s.opt.CommandTimeout
	}
	pc := s.disp.register()
	msg := proto.NewCommand(pc.seq, s.opt.DeviceID, time.Now().UnixNano(), payload)
	if err := s.mgr.Send(ctx, msg); err != nil {
		s.disp.remove(pc.seq)
		switch err {
		case link.ErrNotConnected, link.ErrClosing:
			return nil, ErrConnectionLost
		}
		return nil, errors.Annotate(err, "send")
	}
	s.stat.CommandsSent.Add(1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pc.f.Completed():
		return pc.f.Result().(*proto.ResponsePayload), nil

	case <-pc.f.Cancelled():
		return nil, pc.f.Result().(error)

	case <-timer.C:
		s.disp.remove(pc.seq)
		if !pc.f.Cancel(ErrTimeout) {
			// response won the race against the timer
			if resp, ok := pc.f.Result().(*proto.ResponsePayload); ok {
				return resp, nil
			}
			return nil, pc.f.Result().(error)
		}
		s.stat.Timeouts.Add(1)
		return nil, ErrTimeout

	case <-ctx.Done():
		// same bookkeeping as timeout, without waiting for the device
		s.disp.remove(pc.seq)
		if !pc.f.Cancel(ctx.Err()) {
			if resp, ok := pc.f.Result().(*proto.ResponsePayload); ok {
				return resp, nil
			}
			return nil, pc.f.Result().(error)
		}
		return nil, ctx.Err()
	}
}

// onMessage routes each decoded inbound message. Called sequentially from
// the manager's inbound task; everything here must be non-blocking.
func (s *Session) onMessage(m *proto.Message) {
	switch m.Kind {
	case proto.KindResponse:
		s.disp.onResponse(m)

	case proto.KindTelemetry:
		s.rtr.onTelemetry(m)

	case proto.KindHeartbeat:
		// inbound liveness is already accounted by the link layer

	case proto.KindError:
		if m.Seq != 0 {
			s.disp.onDeviceError(m)
		} else {
			s.log.Errorf("device error dev=%08x code=%d message=%s", m.DeviceID, m.Error.Code, m.Error.Message)
		}

	default:
		s.log.Errorf("unexpected inbound kind=%s dev=%08x", m.Kind, m.DeviceID)
	}
}

func (s *Session) onState(sc link.StateChange) {
	if sc.New == link.StateDisconnected {
		s.disp.failAll(ErrConnectionLost)
	}
	s.rtr.publish(Event{State: &sc})
}
