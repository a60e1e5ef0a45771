package proto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/juju/errors"
	"github.com/openiot/hostlink/crc"
)

const (
	FrameMagic      = uint16(0xaa55)
	ProtocolVersion = byte(0x13)

	// magic2 + version1 + kind1 + seq2 + device4 + time8 + len2
	FrameHeaderSize = 20
	FrameCRCSize    = 2

	DefaultReadLimit = 8 << 10
)

var (
	ErrFrameInvalid     = fmt.Errorf("frame is invalid")
	ErrFrameMagic       = fmt.Errorf("frame magic mismatch")
	ErrFrameVersion     = fmt.Errorf("frame version mismatch")
	ErrFrameCRC         = fmt.Errorf("frame crc mismatch")
	ErrFrameLenOverflow = fmt.Errorf("frame is too large")
)

// FrameMarshal encodes m into a complete frame. Only the 16-bit length
// field bounds the body here; per-connection size limits belong to the
// transport that carries the frame.
func FrameMarshal(m *Message) ([]byte, error) {
	body, err := m.payloadMarshal()
	if err != nil {
		return nil, errors.Annotate(err, "payload marshal")
	}
	if len(body) > math.MaxUint16 {
		return nil, errors.Annotatef(ErrFrameLenOverflow, "bodyLen=%d", len(body))
	}

	b := make([]byte, FrameHeaderSize, FrameHeaderSize+len(body)+FrameCRCSize)
	binary.LittleEndian.PutUint16(b[0:], FrameMagic)
	b[2] = ProtocolVersion
	b[3] = byte(m.Kind)
	binary.LittleEndian.PutUint16(b[4:], m.Seq)
	binary.LittleEndian.PutUint32(b[6:], m.DeviceID)
	binary.LittleEndian.PutUint64(b[10:], uint64(m.Time))
	binary.LittleEndian.PutUint16(b[18:], uint16(len(body)))
	b = append(b, body...)

	var crcbs [FrameCRCSize]byte
	binary.LittleEndian.PutUint16(crcbs[:], crc.CRC16Bytes(b))
	b = append(b, crcbs[:]...)
	return b, nil
}

// FrameUnmarshal decodes one complete frame from b.
// b must contain the frame exactly, no more, no less.
func FrameUnmarshal(b []byte, m *Message) error {
	if len(b) < FrameHeaderSize+FrameCRCSize {
		return errors.Annotate(io.ErrUnexpectedEOF, "header")
	}
	header, bodyLen, err := frameHeader(b[:FrameHeaderSize], uint32(len(b)))
	if err != nil {
		return err
	}
	total := FrameHeaderSize + int(bodyLen) + FrameCRCSize
	if len(b) != total {
		return errors.Annotatef(ErrFrameInvalid, "length declared=%d actual=%d", total, len(b))
	}
	declared := binary.LittleEndian.Uint16(b[total-FrameCRCSize:])
	if actual := crc.CRC16Bytes(b[:total-FrameCRCSize]); declared != actual {
		return errors.Annotatef(ErrFrameCRC, "declared=%04x actual=%04x", declared, actual)
	}
	*m = header
	return m.payloadUnmarshal(b[FrameHeaderSize : FrameHeaderSize+int(bodyLen)])
}

// frameHeader parses and validates the fixed 20 byte header.
func frameHeader(h []byte, max uint32) (m Message, bodyLen uint16, err error) {
	if magic := binary.LittleEndian.Uint16(h[0:]); magic != FrameMagic {
		return m, 0, errors.Annotatef(ErrFrameMagic, "%04x", magic)
	}
	if h[2] != ProtocolVersion {
		return m, 0, errors.Annotatef(ErrFrameVersion, "%02x", h[2])
	}
	bodyLen = binary.LittleEndian.Uint16(h[18:])
	if uint32(FrameHeaderSize)+uint32(bodyLen)+FrameCRCSize > max {
		return m, 0, errors.Annotatef(ErrFrameLenOverflow, "bodyLen=%d max=%d", bodyLen, max)
	}
	m.Kind = Kind(h[3])
	m.Seq = binary.LittleEndian.Uint16(h[4:])
	m.DeviceID = binary.LittleEndian.Uint32(h[6:])
	m.Time = int64(binary.LittleEndian.Uint64(h[10:]))
	return m, bodyLen, nil
}

// Decoder reads frames from a byte stream, consuming only complete frames.
// Partial input stays buffered in the underlying bufio.Reader until more
// bytes arrive. Keeps no protocol state besides that buffer.
type Decoder struct {
	buf bytes.Buffer
	r   *bufio.Reader
	max uint32
}

func (d *Decoder) Attach(r *bufio.Reader, max uint32) {
	if max == 0 {
		max = DefaultReadLimit
	}
	d.r = r
	d.max = max
}

// Read blocks until one complete frame is available, then decodes it.
//
// Decode errors do not poison the stream: on a bad header one byte is
// discarded so the next Read resyncs on the magic marker; a frame failing
// CRC or payload checks is consumed whole. Callers filter with
// IsDecodeError and keep reading.
func (d *Decoder) Read() (*Message, error) {
	header, err := d.r.Peek(FrameHeaderSize)
	switch err {
	case nil:
	case io.EOF:
		if len(header) == 0 {
			return nil, err
		}
		return nil, errors.Annotate(io.ErrUnexpectedEOF, "header")
	default:
		return nil, errors.Annotate(err, "header")
	}

	m, bodyLen, err := frameHeader(header, d.max)
	if err != nil {
		// resync: drop one byte, the next Read scans for magic again
		_, _ = d.r.Discard(1)
		return nil, errors.Annotate(err, "frame")
	}

	total := FrameHeaderSize + int(bodyLen) + FrameCRCSize
	d.buf.Reset()
	d.buf.Grow(total)
	buf := d.buf.Bytes()[:total]
	if _, err = io.ReadFull(d.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Annotate(err, "readfull")
	}

	declared := binary.LittleEndian.Uint16(buf[total-FrameCRCSize:])
	if actual := crc.CRC16Bytes(buf[:total-FrameCRCSize]); declared != actual {
		return nil, errors.Annotatef(ErrFrameCRC, "declared=%04x actual=%04x", declared, actual)
	}
	if err = m.payloadUnmarshal(buf[FrameHeaderSize : FrameHeaderSize+int(bodyLen)]); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsDecodeError reports whether err means a malformed frame or payload,
// recoverable by reading further, as opposed to a transport failure.
func IsDecodeError(err error) bool {
	switch errors.Cause(err) {
	case ErrFrameInvalid, ErrFrameMagic, ErrFrameVersion, ErrFrameCRC, ErrFrameLenOverflow:
		return true
	}
	return false
}
