// Package proto implements the host<->controller wire protocol:
// message model, payload bodies and binary framing.
//
// Frame layout, little-endian, CRC-16/Modbus over everything before crc:
//
//	[magic u16][version u8][kind u8][seq u16][device_id u32]
//	[timestamp i64][payload_len u16][payload][crc u16]
//
// Payload body is kind-specific JSON, empty for Heartbeat.
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

type Kind byte

const (
	KindInvalid   Kind = 0x00
	KindHeartbeat Kind = 0x01
	KindTelemetry Kind = 0x10
	KindCommand   Kind = 0x80
	KindResponse  Kind = 0x81
	KindError     Kind = 0xe0
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindTelemetry:
		return "telemetry"
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("invalid(%02x)", byte(k))
}

// Message is the logical envelope of one frame.
// Exactly one payload pointer is set, matching Kind; Heartbeat carries none.
// Seq is the correlation id: required for Command/Response, zero otherwise.
type Message struct {
	Kind     Kind
	Seq      uint16
	DeviceID uint32
	Time     int64 // unix nano, sender clock

	Command   *CommandPayload
	Response  *ResponsePayload
	Telemetry *TelemetryPayload
	Error     *ErrorPayload
}

type CommandPayload struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

type ResponsePayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type TelemetryPayload struct {
	Readings map[string]float64 `json:"readings"`
}

type ErrorPayload struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (m *Message) String() string {
	return fmt.Sprintf("(kind=%s seq=%d dev=%08x time=%d)", m.Kind, m.Seq, m.DeviceID, m.Time)
}

// payloadMarshal renders the kind-specific body.
func (m *Message) payloadMarshal() ([]byte, error) {
	switch m.Kind {
	case KindHeartbeat:
		return nil, nil
	case KindCommand:
		if m.Command == nil {
			return nil, errors.Errorf("message kind=%s payload is not set", m.Kind)
		}
		return json.Marshal(m.Command)
	case KindResponse:
		if m.Response == nil {
			return nil, errors.Errorf("message kind=%s payload is not set", m.Kind)
		}
		return json.Marshal(m.Response)
	case KindTelemetry:
		if m.Telemetry == nil {
			return nil, errors.Errorf("message kind=%s payload is not set", m.Kind)
		}
		return json.Marshal(m.Telemetry)
	case KindError:
		if m.Error == nil {
			return nil, errors.Errorf("message kind=%s payload is not set", m.Kind)
		}
		return json.Marshal(m.Error)
	}
	return nil, errors.Errorf("message kind=%s is not marshalable", m.Kind)
}

// payloadUnmarshal parses body into the kind-specific struct.
// Unknown JSON fields are rejected; shape is trusted after this point.
func (m *Message) payloadUnmarshal(body []byte) error {
	var dst interface{}
	switch m.Kind {
	case KindHeartbeat:
		if len(body) != 0 {
			return errors.Annotatef(ErrFrameInvalid, "heartbeat with payload len=%d", len(body))
		}
		return nil
	case KindCommand:
		m.Command = new(CommandPayload)
		dst = m.Command
	case KindResponse:
		m.Response = new(ResponsePayload)
		dst = m.Response
	case KindTelemetry:
		m.Telemetry = new(TelemetryPayload)
		dst = m.Telemetry
	case KindError:
		m.Error = new(ErrorPayload)
		dst = m.Error
	default:
		return errors.Annotatef(ErrFrameInvalid, "kind=%02x", byte(m.Kind))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Annotatef(ErrFrameInvalid, "payload kind=%s: %v", m.Kind, err)
	}
	return nil
}

func NewHeartbeat(deviceID uint32, timestamp int64) *Message {
	return &Message{Kind: KindHeartbeat, DeviceID: deviceID, Time: timestamp}
}

func NewCommand(seq uint16, deviceID uint32, timestamp int64, p *CommandPayload) *Message {
	return &Message{Kind: KindCommand, Seq: seq, DeviceID: deviceID, Time: timestamp, Command: p}
}

func NewResponse(seq uint16, deviceID uint32, timestamp int64, p *ResponsePayload) *Message {
	return &Message{Kind: KindResponse, Seq: seq, DeviceID: deviceID, Time: timestamp, Response: p}
}

func NewTelemetry(deviceID uint32, timestamp int64, readings map[string]float64) *Message {
	return &Message{Kind: KindTelemetry, DeviceID: deviceID, Time: timestamp,
		Telemetry: &TelemetryPayload{Readings: readings}}
}
