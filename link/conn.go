// Package link owns the transport session to one device controller:
// dialing, the exclusive write path, heartbeats, disconnect detection and
// reconnection with exponential backoff.
package link

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/proto"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
)

var (
	ErrClosing      = fmt.Errorf("closing")
	ErrNotConnected = fmt.Errorf("not connected")
	ErrHeartbeat    = fmt.Errorf("heartbeat timeout")
)

type Conn interface {
	Close() error
	Closed() bool
	Receive(context.Context) (*proto.Message, error)
	RemoteAddr() net.Addr
	Send(context.Context, *proto.Message) error
	SinceLastRecv() time.Duration
	String() string

	die(error) error
}

type ConnOptions struct {
	Log *log2.Log
	TLS *tls.Config

	NetworkTimeout time.Duration
	// ReadLimit caps total frame size in both directions.
	// Zero means proto.DefaultReadLimit.
	ReadLimit uint32
}

// DialContext connects to a device endpoint, tcp:// or tls:// URL.
func DialContext(ctx context.Context, dialer net.Dialer, endpoint string, opt ConnOptions) (Conn, error) {
	if dialer.Timeout == 0 {
		dialer.Timeout = opt.NetworkTimeout
	}
	if deadline, _ := ctx.Deadline(); !deadline.IsZero() {
		if timeout := time.Until(deadline); timeout > 0 && timeout < dialer.Timeout {
			dialer.Timeout = timeout
		} else if timeout < 0 {
			return nil, context.Canceled
		}
	}

	scheme, hostport, err := parseURI(endpoint)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	switch scheme {
	case "tcp":
		conn, err = dialer.DialContext(ctx, "tcp", hostport)

	case "tls":
		config := opt.TLS
		if config == nil {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config = config.Clone()
			if config.ServerName, _, err = net.SplitHostPort(hostport); err != nil {
				return nil, err
			}
		}
		conn, err = dialer.DialContext(ctx, "tcp", hostport)
		if err == nil {
			conn = tls.Client(conn, config)
		}

	default:
		err = fmt.Errorf("unknown protocol=%s", scheme)
	}
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, opt), nil
}

func parseURI(s string) (scheme, hostport string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", err
	}
	return u.Scheme, u.Host, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
