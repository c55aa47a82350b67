package sdcard

const (
	// crc7Poly is x^7 + x^3 + 1 without the implicit x^7 term.
	crc7Poly = 0x09

	// crc16Poly is the CCITT polynomial x^16 + x^12 + x^5 + 1.
	crc16Poly = 0x1021
)

// crc16Table caches the CRC16 remainder for every byte value.
var crc16Table [256]uint16

func init() {
	for i := range crc16Table {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// crc7Update shifts the top bitCount bits of b into the 7-bit CRC register.
func crc7Update(crc, b byte, bitCount int) byte {
	for i := 0; i < bitCount; i++ {
		feedback := ((b >> 7) ^ (crc >> 6)) & 1
		crc = (crc << 1) & 0x7f
		if feedback != 0 {
			crc ^= crc7Poly
		}
		b <<= 1
	}
	return crc
}

// CRC7 returns the 7-bit MMC/SD CRC of data.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc7Update(crc, b, 8)
	}
	return crc
}

// CRC7Residue runs the CRC7 register over a complete 6-byte command frame
// (command byte, 4 argument bytes, CRC7 and stop bit) ignoring the stop bit.
// A valid frame leaves a zero residue.
func CRC7Residue(frame []byte) byte {
	if len(frame) == 0 {
		return 0
	}

	crc := CRC7(frame[:len(frame)-1])
	return crc7Update(crc, frame[len(frame)-1], 7)
}

// CRC16 returns the CCITT CRC16 (initial value 0) of data as used by SD data
// blocks.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
