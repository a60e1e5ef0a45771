package uplink

import (
	"time"

	"github.com/openiot/hostlink/log2"
)

// Transport contract:
//   - Init fails only with invalid config, network errors are ignored
//   - Send* deliver within the network timeout or report false; the queue
//     worker retries, so delivery is at least once
//   - the application may start without network available
type Transporter interface {
	Init(log *log2.Log, c *Config) error
	SendTelemetry(payload []byte) bool
	SendState(payload []byte) bool
	Close()
}

// Config configures the telemetry uplink. Zero duration fields get defaults.
type Config struct {
	Log            *log2.Log
	Broker         string
	ClientID       string
	Password       string
	TopicPrefix    string
	QueuePath      string
	StorePath      string
	Keepalive      time.Duration
	PingTimeout    time.Duration
	NetworkTimeout time.Duration
}
