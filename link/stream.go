package link

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/helpers"
	"github.com/openiot/hostlink/proto"
	"github.com/temoto/atomic_clock"
)

type streamConn struct {
	err  helpers.AtomicError
	last atomic_clock.Clock
	dec  proto.Decoder
	net  net.Conn
	opt  ConnOptions
	wlk  sync.Mutex // exclusive write path, no interleaved frames
}

var _ Conn = &streamConn{}

func NewStreamConn(netConn net.Conn, opt ConnOptions) Conn {
	c := &streamConn{
		net: netConn,
		opt: opt,
	}
	if c.opt.ReadLimit == 0 {
		c.opt.ReadLimit = proto.DefaultReadLimit
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
	c.dec.Attach(bufio.NewReader(c.net), c.opt.ReadLimit)
	c.last.SetNow()
	return c
}

func (c *streamConn) Close() error {
	return c.die(ErrClosing)
}

func (c *streamConn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// Receive blocks for the next frame. A decode error is returned to the
// caller but does not kill the connection; transport errors do.
func (c *streamConn) Receive(ctx context.Context) (*proto.Message, error) {
	deadline, _ := ctx.Deadline()
	if err := c.net.SetReadDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return nil, err
	}
	m, err := c.dec.Read()
	if err != nil {
		if proto.IsDecodeError(err) {
			return nil, err
		}
		err = errors.Annotate(err, "receive")
		_ = c.die(err)
		return nil, err
	}
	c.last.SetNow()
	return m, nil
}

// Send writes one frame. A frame exceeding ReadLimit is rejected before
// any bytes hit the wire, the peer would refuse it anyway; like decode
// errors on the read side this leaves the connection alive.
func (c *streamConn) Send(ctx context.Context, m *proto.Message) error {
	b, err := proto.FrameMarshal(m)
	if err != nil {
		return errors.Annotate(err, "frame marshal")
	}
	if uint32(len(b)) > c.opt.ReadLimit {
		return errors.Annotatef(proto.ErrFrameLenOverflow, "send len=%d max=%d", len(b), c.opt.ReadLimit)
	}
	c.opt.Log.Debugf("send m=%s b=(%d)%x", m, len(b), b)

	c.wlk.Lock()
	defer c.wlk.Unlock()
	deadline, _ := ctx.Deadline()
	if err = c.net.SetWriteDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	for len(b) > 0 {
		n, werr := c.net.Write(b)
		if werr != nil {
			werr = errors.Annotate(werr, "send")
			_ = c.die(werr)
			return werr
		}
		b = b[n:]
	}
	return nil
}

func (c *streamConn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *streamConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }

func (c *streamConn) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.RemoteAddr()))
}

func (c *streamConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()

	// reformat well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.opt.Log.Debugf("die +close local=%s remote=%s e=%s", addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), estr)
	return e
}
