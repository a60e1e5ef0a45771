package uplink

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/openiot/hostlink/log2"
)

type transportMQTT struct {
	log     *log2.Log
	m       mqtt.Client
	timeout time.Duration

	topicOnline    string
	topicState     string
	topicTelemetry string
}

func (t *transportMQTT) Init(log *log2.Log, c *Config) error {
	t.log = log
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	if c.Broker == "" {
		return errors.NotValidf("uplink broker empty")
	}
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = c.ClientID
	}
	t.topicOnline = fmt.Sprintf("%s/c", prefix)
	t.topicState = fmt.Sprintf("%s/w/1s", prefix)
	t.topicTelemetry = fmt.Sprintf("%s/w/1t", prefix)
	t.timeout = c.NetworkTimeout
	if t.timeout == 0 {
		t.timeout = 30 * time.Second
	}

	keepalive := c.Keepalive
	if keepalive == 0 {
		keepalive = 60 * time.Second
	}
	pingTimeout := c.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 30 * time.Second
	}
	storePath := c.StorePath
	if storePath == "" {
		storePath = c.QueuePath + ".paho"
	}
	credFun := func() (string, string) { return c.ClientID, c.Password }

	mopt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetBinaryWill(t.topicOnline, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetClientID(c.ClientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepalive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetStore(mqtt.NewFileStore(storePath)).
		SetConnectRetryInterval(keepalive / 2).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetConnectRetry(true)
	t.m = mqtt.NewClient(mopt)
	if token := t.m.Connect(); token.Error() != nil {
		return errors.Annotate(token.Error(), "uplink mqtt connect")
	}
	return nil
}

func (t *transportMQTT) SendTelemetry(payload []byte) bool {
	return t.publish(t.topicTelemetry, payload)
}
func (t *transportMQTT) SendState(payload []byte) bool { return t.publish(t.topicState, payload) }

func (t *transportMQTT) publish(topic string, payload []byte) bool {
	token := t.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(t.timeout) {
		return false
	}
	if err := token.Error(); err != nil {
		t.log.Errorf("uplink mqtt publish topic=%s err=%v", topic, err)
		return false
	}
	return true
}

func (t *transportMQTT) Close() {
	token := t.m.Publish(t.topicOnline, 1, true, []byte{0x00})
	token.WaitTimeout(t.timeout)
	t.m.Disconnect(uint(t.timeout / time.Millisecond))
}

func (t *transportMQTT) onConnect(c mqtt.Client) {
	t.log.Infof("uplink mqtt connect")
	c.Publish(t.topicOnline, 1, true, []byte{0x01})
}

func (t *transportMQTT) onConnectionLost(c mqtt.Client, err error) {
	t.log.Infof("uplink mqtt disconnect err=%v", err)
}
