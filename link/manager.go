package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/helpers"
	"github.com/openiot/hostlink/proto"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatGrace    = 3
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second
)

// Manager keeps one device endpoint connected: dial, heartbeat, degrade on
// silence, reconnect with exponential backoff. Retries forever until Close.
//
// Responsible for:
// - establish connections
// - heartbeat pings and staleness detection
// - single serialized write path for all outbound frames
// - observable state transitions
type Manager struct { //nolint:maligned
	lk      sync.Mutex // protects current
	slk     sync.Mutex // keeps transition events ordered
	alive   *alive.Alive
	backoff *helpers.Backoff
	current Conn
	opt     *ManagerOptions
	state   int32
	stat    Stat
	started int32
}

type ManagerOptions struct {
	ConnOptions
	Endpoint string
	DeviceID uint32
	Dialer   *net.Dialer

	HeartbeatInterval time.Duration
	// Degraded after HeartbeatGrace*interval of inbound silence,
	// Disconnected after twice that.
	HeartbeatGrace    int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	BackoffResetAfter time.Duration // Connected this long restores base delay

	// OnMessage is invoked sequentially from the single inbound task,
	// preserving per-session order. Must not block.
	OnMessage func(*proto.Message)
	OnState   func(StateChange)
}

func NewManager(opt *ManagerOptions) (*Manager, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error manager OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = proto.DefaultReadLimit
	}
	if opt.HeartbeatInterval == 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.HeartbeatGrace == 0 {
		opt.HeartbeatGrace = DefaultHeartbeatGrace
	}
	if opt.ReconnectBase == 0 {
		opt.ReconnectBase = DefaultReconnectBase
	}
	if opt.ReconnectMax == 0 {
		opt.ReconnectMax = DefaultReconnectMax
	}
	if opt.BackoffResetAfter == 0 {
		opt.BackoffResetAfter = 2 * opt.ReconnectMax
	}
	if opt.Dialer == nil {
		opt.Dialer = &net.Dialer{Timeout: opt.NetworkTimeout}
	}
	if _, _, err := parseURI(opt.Endpoint); err != nil {
		return nil, errors.Annotatef(err, "config error endpoint=%s", opt.Endpoint)
	}

	m := &Manager{
		alive: alive.NewAlive(),
		backoff: &helpers.Backoff{
			Min: opt.ReconnectBase,
			Max: opt.ReconnectMax,
			K:   2,
		},
		opt: opt,
	}
	return m, nil
}

// Start launches the reconnect loop and the heartbeat timer.
func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return errors.Errorf("manager already started")
	}
	if !m.alive.Add(2) {
		return ErrClosing
	}
	go m.run()
	go m.pinger()
	return nil
}

// Close stops timers and the reconnect loop, then kills the current
// connection. No timer fires after Close returns.
func (m *Manager) Close() error {
	m.alive.Stop()
	conn := m.getConn()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.alive.Wait()
	m.transition(StateDisconnected)
	return err
}

// Send transmits one message over the current connection.
// No queueing, no retry: callers decide what a failed send means.
func (m *Manager) Send(ctx context.Context, msg *proto.Message) error {
	if !m.alive.Add(1) {
		return ErrClosing
	}
	defer m.alive.Done()

	conn := m.getConn()
	if conn == nil || conn.Closed() {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opt.NetworkTimeout)
		defer cancel()
	}
	if err := conn.Send(ctx, msg); err != nil {
		return err
	}
	m.stat.Send.Add(1)
	return nil
}

func (m *Manager) State() State { return State(atomic.LoadInt32(&m.state)) }
func (m *Manager) Stat() *Stat  { return &m.stat }

func (m *Manager) run() {
	defer m.alive.Done()
	for m.alive.IsRunning() {
		if delay := m.backoff.DelayBefore(); delay > 0 {
			m.opt.Log.Debugf("reconnect dev=%08x delay=%s", m.opt.DeviceID, delay)
			if m.sleep(delay) != nil {
				break
			}
		}
		m.transition(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), m.opt.NetworkTimeout)
		conn, err := DialContext(ctx, *m.opt.Dialer, m.opt.Endpoint, m.opt.ConnOptions)
		cancel()
		if err != nil {
			m.stat.ConnErrors.Add(1)
			m.opt.Log.Errorf("connect endpoint=%s err=%v", m.opt.Endpoint, err)
			m.backoff.Failure()
			m.transition(StateDisconnected)
			continue
		}
		m.stat.Conn.Add(1)
		m.setConn(conn)
		m.transition(StateConnected)
		up := atomic_clock.Now()

		m.recvLoop(conn) // blocks until conn dies

		m.setConn(nil)
		if atomic_clock.Since(up) >= m.opt.BackoffResetAfter {
			m.backoff.Reset()
		} else {
			m.backoff.Failure()
		}
		m.transition(StateDisconnected)
	}
	m.transition(StateDisconnected)
}

// recvLoop is the single inbound-processing task: reads and decodes frames
// sequentially, hands each message to OnMessage. Decode errors are counted
// and skipped; transport errors end the connection.
func (m *Manager) recvLoop(conn Conn) {
	for m.alive.IsRunning() {
		msg, err := conn.Receive(context.Background())
		if err != nil {
			if proto.IsDecodeError(err) {
				m.stat.DecodeErrors.Add(1)
				m.opt.Log.Errorf("decode dev=%08x err=%v", m.opt.DeviceID, err)
				continue
			}
			m.opt.Log.Debugf("recv dev=%08x closed err=%v", m.opt.DeviceID, err)
			return
		}
		m.stat.Recv.Add(1)
		// any inbound traffic proves the link is alive again
		if m.State() == StateDegraded {
			m.transition(StateConnected)
		}
		m.opt.OnMessage(msg)
	}
}

func (m *Manager) pinger() {
	defer m.alive.Done()
	interval := m.opt.HeartbeatInterval
	grace := interval * time.Duration(m.opt.HeartbeatGrace)
	for m.alive.IsRunning() {
		conn := m.getConn()
		if conn == nil {
			if m.sleep(interval/2) != nil {
				return
			}
			continue
		}
		since := conn.SinceLastRecv()
		switch {
		case since >= 2*grace:
			m.opt.Log.Errorf("dev=%08x inbound silence %s, closing", m.opt.DeviceID, since)
			_ = conn.die(ErrHeartbeat)
		case since >= grace:
			if m.State() == StateConnected {
				m.transition(StateDegraded)
			}
		}
		if !conn.Closed() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opt.NetworkTimeout)
			_ = conn.Send(ctx, proto.NewHeartbeat(m.opt.DeviceID, time.Now().UnixNano()))
			cancel()
		}
		if m.sleep(interval) != nil {
			return
		}
	}
}

func (m *Manager) transition(new State) {
	m.slk.Lock()
	defer m.slk.Unlock()
	old := State(atomic.SwapInt32(&m.state, int32(new)))
	if old == new {
		return
	}
	sc := StateChange{DeviceID: m.opt.DeviceID, Old: old, New: new, At: time.Now()}
	m.opt.Log.Debugf("state %s", sc)
	if m.opt.OnState != nil {
		m.opt.OnState(sc)
	}
}

func (m *Manager) getConn() Conn {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.current != nil && m.current.Closed() {
		m.current = nil
	}
	return m.current
}

func (m *Manager) setConn(c Conn) {
	m.lk.Lock()
	m.current = c
	m.lk.Unlock()
}

func (m *Manager) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-m.alive.StopChan():
		return ErrClosing
	}
}
