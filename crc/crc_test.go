package crc

import (
	"testing"
)

func checkBytes(t *testing.T, input []byte, expect uint16) {
	if actual := CRC16Bytes(input); actual != expect {
		t.Errorf("CRC16Bytes(%x) = %04x expected %04x", input, actual, expect)
	}
}

func TestModbusReference(t *testing.T) {
	checkBytes(t, nil, 0xffff)
	checkBytes(t, []byte{0x00}, 0x40bf)
	checkBytes(t, []byte("123456789"), 0x4b37)
	checkBytes(t, []byte{0xaa, 0x55}, 0x2fbf)
	checkBytes(t, []byte{0x01, 0x02, 0x03, 0x04}, 0x2ba1)
}

func TestIncremental(t *testing.T) {
	input := []byte("123456789")
	crc := uint16(0xffff)
	for _, b := range input {
		crc = CRC16(crc, b)
	}
	if crc != CRC16Bytes(input) {
		t.Errorf("incremental %04x != whole %04x", crc, CRC16Bytes(input))
	}
}
