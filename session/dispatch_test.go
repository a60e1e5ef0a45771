package session

import (
	"testing"

	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher(t testing.TB) (*dispatcher, *Stat) {
	stat := &Stat{}
	return newDispatcher(log2.NewTest(t, log2.LDebug), stat), stat
}

func TestDispatcherSeqUnique(t *testing.T) {
	t.Parallel()

	d, _ := testDispatcher(t)
	seen := make(map[uint16]bool)
	for i := 0; i < 200; i++ {
		pc := d.register()
		assert.NotZero(t, pc.seq)
		assert.False(t, seen[pc.seq], "seq=%d repeated while pending", pc.seq)
		seen[pc.seq] = true
	}
	assert.Equal(t, 200, d.pendingCount())
}

func TestDispatcherWraparoundSkipsPending(t *testing.T) {
	t.Parallel()

	d, _ := testDispatcher(t)
	pc1 := d.register()

	// force the counter right before pc1: next increment would collide
	d.lk.Lock()
	d.seq = pc1.seq - 1
	d.lk.Unlock()
	pc2 := d.register()
	assert.NotEqual(t, pc1.seq, pc2.seq)

	// wraparound skips 0
	d.lk.Lock()
	d.seq = 0xffff
	d.lk.Unlock()
	pc3 := d.register()
	assert.NotZero(t, pc3.seq)
}

func TestDispatcherResponse(t *testing.T) {
	t.Parallel()

	d, stat := testDispatcher(t)
	pc := d.register()
	d.onResponse(proto.NewResponse(pc.seq, 1, 0, &proto.ResponsePayload{Status: "ok"}))
	<-pc.f.Completed()
	resp := pc.f.Result().(*proto.ResponsePayload)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, d.pendingCount())
	assert.Equal(t, int64(0), stat.LateResponses.Value())
}

func TestDispatcherUnknownResponseIgnored(t *testing.T) {
	t.Parallel()

	d, stat := testDispatcher(t)
	pc := d.register()
	d.onResponse(proto.NewResponse(pc.seq+1, 1, 0, &proto.ResponsePayload{Status: "ok"}))
	assert.Equal(t, int64(1), stat.LateResponses.Value())
	// the pending command is unaffected
	assert.Equal(t, 1, d.pendingCount())
	select {
	case <-pc.f.Completed():
		t.Fatal("unknown id must not resolve a different pending command")
	case <-pc.f.Cancelled():
		t.Fatal("unknown id must not cancel a different pending command")
	default:
	}
}

func TestDispatcherFailAll(t *testing.T) {
	t.Parallel()

	d, _ := testDispatcher(t)
	pcs := []*pendingCommand{d.register(), d.register(), d.register()}
	d.failAll(ErrConnectionLost)
	require.Equal(t, 0, d.pendingCount())
	for _, pc := range pcs {
		<-pc.f.Cancelled()
		assert.Equal(t, ErrConnectionLost, pc.f.Result())
	}
}

func TestDispatcherDeviceError(t *testing.T) {
	t.Parallel()

	d, _ := testDispatcher(t)
	pc := d.register()
	d.onDeviceError(&proto.Message{Kind: proto.KindError, Seq: pc.seq,
		Error: &proto.ErrorPayload{Code: 5, Message: "motor stalled"}})
	<-pc.f.Cancelled()
	derr, ok := pc.f.Result().(*DeviceError)
	require.True(t, ok)
	assert.Equal(t, int32(5), derr.Code)
}
