package session_test

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openiot/hostlink/link"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
	"github.com/openiot/hostlink/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceID = uint32(0xd1000001)

type deviceFunc func(conn net.Conn, m *proto.Message)

// startDevice runs a mock controller: accepts connections and feeds every
// decoded inbound frame to fun.
func startDevice(t testing.TB, accepts int, fun deviceFunc) net.Listener {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		defer ll.Close()
		for i := 0; i < accepts; i++ {
			conn, err := ll.Accept()
			if err != nil {
				return
			}
			go func() {
				dec := &proto.Decoder{}
				dec.Attach(bufio.NewReader(conn), 0)
				for {
					m, err := dec.Read()
					if err != nil {
						return
					}
					fun(conn, m)
				}
			}()
		}
	}()
	return ll
}

func deviceReply(conn net.Conn, m *proto.Message) {
	b, err := proto.FrameMarshal(m)
	if err != nil {
		panic(err)
	}
	_, _ = conn.Write(b)
}

// echoHeartbeat answers pings so the link stays healthy during tests.
func echoHeartbeat(conn net.Conn, m *proto.Message) bool {
	if m.Kind == proto.KindHeartbeat {
		deviceReply(conn, proto.NewHeartbeat(testDeviceID, time.Now().UnixNano()))
		return true
	}
	return false
}

func testOptions(t testing.TB, endpoint string) *session.Options {
	return &session.Options{
		Log:               log2.NewTest(t, log2.LDebug),
		Endpoint:          endpoint,
		DeviceID:          testDeviceID,
		NetworkTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatGrace:    4,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectMax:      100 * time.Millisecond,
		CommandTimeout:    2 * time.Second,
	}
}

func waitForState(t testing.TB, sub *session.Subscription, want link.State) link.StateChange {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Chan():
			if ev.State != nil && ev.State.New == want {
				return *ev.State
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state=%s", want)
			return link.StateChange{}
		}
	}
}

func connectWait(t testing.TB, s *session.Session) *session.Subscription {
	sub := s.Subscribe(64)
	require.NoError(t, s.Connect())
	waitForState(t, sub, link.StateConnected)
	return sub
}

func TestCommandHappyPath(t *testing.T) {
	t.Parallel()

	ll := startDevice(t, 1, func(conn net.Conn, m *proto.Message) {
		if echoHeartbeat(conn, m) {
			return
		}
		if m.Kind == proto.KindCommand && m.Command.Action == "set_speed" {
			deviceReply(conn, proto.NewResponse(m.Seq, testDeviceID, time.Now().UnixNano(),
				&proto.ResponsePayload{Status: "ok"}))
		}
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	connectWait(t, s)

	begin := time.Now()
	resp, err := s.SendCommand(context.Background(), &proto.CommandPayload{Action: "set_speed", Value: 10}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, time.Since(begin) < 500*time.Millisecond, "took %s", time.Since(begin))
	assert.Equal(t, int64(1), s.Stat().CommandsSent.Value())
}

func TestCommandTimeoutAndLateResponse(t *testing.T) {
	t.Parallel()

	const timeout = 150 * time.Millisecond
	ll := startDevice(t, 1, func(conn net.Conn, m *proto.Message) {
		if echoHeartbeat(conn, m) {
			return
		}
		if m.Kind == proto.KindCommand {
			// reply well after the caller's deadline
			seq := m.Seq
			time.AfterFunc(2*timeout, func() {
				deviceReply(conn, proto.NewResponse(seq, testDeviceID, time.Now().UnixNano(),
					&proto.ResponsePayload{Status: "ok"}))
			})
		}
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	connectWait(t, s)

	begin := time.Now()
	_, err = s.SendCommand(context.Background(), &proto.CommandPayload{Action: "set_speed", Value: 10}, timeout)
	elapsed := time.Since(begin)
	assert.Equal(t, session.ErrTimeout, err)
	assert.True(t, elapsed >= timeout, "resolved before deadline: %s", elapsed)
	assert.Equal(t, int64(1), s.Stat().Timeouts.Value())

	// the late response is ignored, visible only as a counter
	deadline := time.After(2 * time.Second)
	for s.Stat().LateResponses.Value() == 0 {
		select {
		case <-deadline:
			t.Fatal("late response was not registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, int64(1), s.Stat().LateResponses.Value())
}

func TestCommandDisconnectMidFlight(t *testing.T) {
	t.Parallel()

	ll := startDevice(t, 2, func(conn net.Conn, m *proto.Message) {
		if echoHeartbeat(conn, m) {
			return
		}
		if m.Kind == proto.KindCommand {
			conn.Close() // transport drops before any reply
		}
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	sub := connectWait(t, s)

	_, err = s.SendCommand(context.Background(), &proto.CommandPayload{Action: "set_speed", Value: 10}, 2*time.Second)
	assert.Equal(t, session.ErrConnectionLost, err)

	down := waitForState(t, sub, link.StateDisconnected)
	waitForState(t, sub, link.StateConnecting)
	up := waitForState(t, sub, link.StateConnected)
	assert.True(t, up.At.Sub(down.At) < time.Second, "reconnect took %s", up.At.Sub(down.At))
}

func TestConcurrentCommandsOutOfOrder(t *testing.T) {
	t.Parallel()

	var dlk sync.Mutex
	held := make([]*proto.Message, 0, 2)
	ll := startDevice(t, 1, func(conn net.Conn, m *proto.Message) {
		if echoHeartbeat(conn, m) {
			return
		}
		if m.Kind != proto.KindCommand {
			return
		}
		dlk.Lock()
		defer dlk.Unlock()
		held = append(held, m)
		if len(held) == 2 {
			// answer in reverse arrival order
			for i := len(held) - 1; i >= 0; i-- {
				c := held[i]
				deviceReply(conn, proto.NewResponse(c.Seq, testDeviceID, time.Now().UnixNano(),
					&proto.ResponsePayload{Status: "ok", Detail: c.Command.Action}))
			}
			held = held[:0]
		}
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	connectWait(t, s)

	var wg sync.WaitGroup
	for _, action := range []string{"open_valve", "close_valve"} {
		action := action
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.SendCommand(context.Background(), &proto.CommandPayload{Action: action}, 2*time.Second)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, action, resp.Detail, "response must match by id, not arrival order")
			}
		}()
	}
	wg.Wait()
}

func TestCommandCancellation(t *testing.T) {
	t.Parallel()

	ll := startDevice(t, 1, func(conn net.Conn, m *proto.Message) {
		echoHeartbeat(conn, m) // commands are never answered
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	connectWait(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	begin := time.Now()
	_, err = s.SendCommand(ctx, &proto.CommandPayload{Action: "set_speed", Value: 1}, 5*time.Second)
	assert.Equal(t, context.Canceled, err)
	assert.True(t, time.Since(begin) < time.Second, "cancel must not wait for the device")
}

func TestTelemetryDelivery(t *testing.T) {
	t.Parallel()

	connch := make(chan net.Conn, 1)
	ll := startDevice(t, 1, func(conn net.Conn, m *proto.Message) {
		if echoHeartbeat(conn, m) {
			select {
			case connch <- conn:
			default:
			}
		}
	})
	defer ll.Close()

	s, err := session.New(testOptions(t, "tcp://"+ll.Addr().String()))
	require.NoError(t, err)
	defer s.Close()
	sub := connectWait(t, s)

	var devconn net.Conn
	select {
	case devconn = <-connch:
	case <-time.After(2 * time.Second):
		t.Fatal("device never saw the client")
	}

	now := time.Now().UnixNano()
	deviceReply(devconn, proto.NewTelemetry(testDeviceID, now, map[string]float64{"temperature": 21.5}))
	deviceReply(devconn, proto.NewTelemetry(testDeviceID, now+1, map[string]float64{"temperature": 22.0}))

	got := make([]*proto.TelemetryEvent, 0, 2)
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Chan():
			if ev.Telemetry != nil {
				got = append(got, ev.Telemetry)
			}
		case <-deadline:
			t.Fatalf("received %d/2 telemetry events", len(got))
		}
	}
	assert.Equal(t, 21.5, got[0].Value)
	assert.Equal(t, 22.0, got[1].Value, "same device events keep arrival order")
	assert.Equal(t, testDeviceID, got[0].DeviceID)
}
