package sdcard

// CSDSize is the size of the card specific data register.
const CSDSize = 16

// csdStructure is the only CSD structure value whose C_SIZE layout is
// decoded (block-addressed cards).
const csdStructure = 1

// CSD holds the raw card specific data register.
type CSD [CSDSize]byte

// Structure returns the CSD structure version field (bits 127..126).
func (c CSD) Structure() uint8 {
	return c[0] >> 6
}

// CSize returns the 22-bit C_SIZE field stored in bytes 7 to 9.
func (c CSD) CSize() uint32 {
	return uint32(c[7]&0x3F)<<16 | uint32(c[8])<<8 | uint32(c[9])
}

// Sectors returns the card capacity in 512-byte sectors.
func (c CSD) Sectors() uint32 {
	return (c.CSize() + 1) << 10
}

// NewCSD builds a CSD register describing a card with the supplied number
// of sectors, which is rounded down to a multiple of 1024. It is used by
// card emulators.
func NewCSD(sectors uint32) CSD {
	var c CSD
	cSize := sectors>>10 - 1

	c[0] = csdStructure << 6
	c[1] = 0x0E // TAAC
	c[3] = 0x32 // TRAN_SPEED: 25MHz
	c[4] = 0x5B // CCC
	c[5] = 0x59 // READ_BL_LEN = 9
	c[7] = byte(cSize>>16) & 0x3F
	c[8] = byte(cSize >> 8)
	c[9] = byte(cSize)
	c[10] = 0x7F
	c[11] = 0x80
	c[12] = 0x0A
	c[13] = 0x40
	c[15] = CRC7(c[:15])<<1 | 1
	return c
}
