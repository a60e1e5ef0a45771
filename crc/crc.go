// Package crc implements CRC-16/Modbus used by the device wire protocol.
package crc

const Poly16 uint16 = 0xa001

// CRC16 continues checksum crc with one byte of data.
// Start a fresh computation with crc=0xffff.
func CRC16(crc uint16, data byte) uint16 {
	crc ^= uint16(data)
	for i := 0; i < 8; i++ {
		if crc&1 != 0 {
			crc >>= 1
			crc ^= Poly16
		} else {
			crc >>= 1
		}
	}
	return crc
}

func CRC16Bytes(bs []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range bs {
		crc = CRC16(crc, b)
	}
	return crc
}
