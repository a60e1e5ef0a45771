// Package config reads the daemon configuration from a single HCL file.
package config

import (
	"io/ioutil"
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/openiot/hostlink/helpers"
	"github.com/openiot/hostlink/link"
	"github.com/openiot/hostlink/log2"
	"github.com/openiot/hostlink/session"
	"github.com/openiot/hostlink/uplink"
)

type Config struct {
	Persist struct {
		Root       string `hcl:"root"`
		SqlitePath string `hcl:"sqlite_path"`
	} `hcl:"persist"`

	Link struct {
		NetworkTimeoutSec    int `hcl:"network_timeout_sec"`
		HeartbeatIntervalSec int `hcl:"heartbeat_interval_sec"`
		HeartbeatGrace       int `hcl:"heartbeat_grace_multiplier"`
		ReconnectBaseMs      int `hcl:"reconnect_base_ms"`
		ReconnectMaxSec      int `hcl:"reconnect_max_sec"`
		CommandTimeoutSec    int `hcl:"command_timeout_sec"`
	} `hcl:"link"`

	Uplink struct {
		Enable            bool   `hcl:"enable"`
		Broker            string `hcl:"broker"`
		ClientID          string `hcl:"client_id"`
		Password          string `hcl:"password"`
		TopicPrefix       string `hcl:"topic_prefix"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	} `hcl:"uplink"`

	Devices []Device `hcl:"device"`
}

// Device is one `device "name" { ... }` block.
type Device struct {
	Name     string `hcl:"name,key"`
	ID       int64  `hcl:"id"`
	Endpoint string `hcl:"endpoint"`
}

func ReadFile(log *log2.Log, path string) (*Config, error) {
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config read path=%s", path)
	}
	c, err := Parse(bs)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	log.Debugf("config read path=%s devices=%d", path, len(c.Devices))
	return c, nil
}

func Parse(bs []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(bs, c); err != nil {
		return nil, errors.Annotate(err, "config unmarshal")
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return errors.NotValidf("config no device blocks")
	}
	seenName := make(map[string]struct{}, len(c.Devices))
	seenID := make(map[int64]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.Endpoint == "" {
			return errors.NotValidf("config device=%s endpoint empty", d.Name)
		}
		if d.ID <= 0 || d.ID > 0xffffffff {
			return errors.NotValidf("config device=%s id=%d", d.Name, d.ID)
		}
		if _, ok := seenName[d.Name]; ok {
			return errors.NotValidf("config duplicate device=%s", d.Name)
		}
		if _, ok := seenID[d.ID]; ok {
			return errors.NotValidf("config duplicate device id=%d", d.ID)
		}
		seenName[d.Name] = struct{}{}
		seenID[d.ID] = struct{}{}
	}
	if c.Uplink.Enable && c.Uplink.Broker == "" {
		return errors.NotValidf("config uplink enabled with empty broker")
	}
	return nil
}

// SessionOptions builds per-device session options with link defaults for
// everything the file leaves unset.
func (c *Config) SessionOptions(log *log2.Log, d Device) *session.Options {
	return &session.Options{
		Log:               log,
		Endpoint:          d.Endpoint,
		DeviceID:          uint32(d.ID),
		NetworkTimeout:    helpers.IntSecondDefault(c.Link.NetworkTimeoutSec, link.DefaultNetworkTimeout),
		HeartbeatInterval: helpers.IntSecondDefault(c.Link.HeartbeatIntervalSec, link.DefaultHeartbeatInterval),
		HeartbeatGrace:    c.Link.HeartbeatGrace,
		ReconnectBase:     helpers.IntMillisecondDefault(c.Link.ReconnectBaseMs, link.DefaultReconnectBase),
		ReconnectMax:      helpers.IntSecondDefault(c.Link.ReconnectMaxSec, link.DefaultReconnectMax),
		CommandTimeout:    helpers.IntSecondDefault(c.Link.CommandTimeoutSec, session.DefaultCommandTimeout),
	}
}

func (c *Config) UplinkConfig(log *log2.Log) *uplink.Config {
	clientID := c.Uplink.ClientID
	if clientID == "" {
		clientID = "hostlink"
	}
	return &uplink.Config{
		Log:            log,
		Broker:         c.Uplink.Broker,
		ClientID:       clientID,
		Password:       c.Uplink.Password,
		TopicPrefix:    c.Uplink.TopicPrefix,
		QueuePath:      filepath.Join(c.Persist.Root, "uplink-queue"),
		Keepalive:      helpers.IntSecondDefault(c.Uplink.KeepaliveSec, 0),
		PingTimeout:    helpers.IntSecondDefault(c.Uplink.PingTimeoutSec, 0),
		NetworkTimeout: helpers.IntSecondDefault(c.Uplink.NetworkTimeoutSec, 0),
	}
}

func (c *Config) SQLitePath() string {
	if c.Persist.SqlitePath != "" {
		return c.Persist.SqlitePath
	}
	return filepath.Join(c.Persist.Root, "hostlink.db")
}
