package config

import (
	"testing"
	"time"

	"github.com/openiot/hostlink/link"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
persist { root = "/var/lib/hostlink" }
link {
	heartbeat_interval_sec = 5
	heartbeat_grace_multiplier = 4
	reconnect_base_ms = 500
	command_timeout_sec = 3
}
uplink {
	enable = true
	broker = "tcp://broker.example:1883"
	topic_prefix = "plant7"
}
device "boiler" {
	id = 101
	endpoint = "tcp://10.0.0.101:9000"
}
device "pump" {
	id = 102
	endpoint = "tls://10.0.0.102:9000"
}
`

func TestParseSample(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, c.Devices, 2)
	assert.Equal(t, "boiler", c.Devices[0].Name)
	assert.Equal(t, int64(101), c.Devices[0].ID)
	assert.Equal(t, "tls://10.0.0.102:9000", c.Devices[1].Endpoint)
	assert.Equal(t, "/var/lib/hostlink/hostlink.db", c.SQLitePath())

	opt := c.SessionOptions(log2.NewTest(t, log2.LDebug), c.Devices[0])
	assert.Equal(t, uint32(101), opt.DeviceID)
	assert.Equal(t, 5*time.Second, opt.HeartbeatInterval)
	assert.Equal(t, 4, opt.HeartbeatGrace)
	assert.Equal(t, 500*time.Millisecond, opt.ReconnectBase)
	assert.Equal(t, link.DefaultReconnectMax, opt.ReconnectMax)
	assert.Equal(t, 3*time.Second, opt.CommandTimeout)

	uc := c.UplinkConfig(log2.NewTest(t, log2.LDebug))
	assert.Equal(t, "tcp://broker.example:1883", uc.Broker)
	assert.Equal(t, "plant7", uc.TopicPrefix)
	assert.Equal(t, "hostlink", uc.ClientID)
	assert.Equal(t, "/var/lib/hostlink/uplink-queue", uc.QueuePath)
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(`device "d" { id = 1  endpoint = "tcp://localhost:9000" }`))
	require.NoError(t, err)
	opt := c.SessionOptions(nil, c.Devices[0])
	assert.Equal(t, link.DefaultHeartbeatInterval, opt.HeartbeatInterval)
	assert.Equal(t, link.DefaultReconnectBase, opt.ReconnectBase)
	assert.Equal(t, session.DefaultCommandTimeout, opt.CommandTimeout)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input string
	}{
		{"no-devices", `persist { root = "/tmp" }`},
		{"empty-endpoint", `device "d" { id = 1 }`},
		{"zero-id", `device "d" { id = 0  endpoint = "tcp://h:1" }`},
		{"id-overflow", `device "d" { id = 4294967296  endpoint = "tcp://h:1" }`},
		{"dup-name", `device "d" { id = 1  endpoint = "tcp://h:1" }` + "\n" + `device "d" { id = 2  endpoint = "tcp://h:2" }`},
		{"dup-id", `device "a" { id = 1  endpoint = "tcp://h:1" }` + "\n" + `device "b" { id = 1  endpoint = "tcp://h:2" }`},
		{"uplink-no-broker", `uplink { enable = true }` + "\n" + `device "d" { id = 1  endpoint = "tcp://h:1" }`},
		{"not-hcl", `{{{`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.input))
			assert.Error(t, err)
		})
	}
}
