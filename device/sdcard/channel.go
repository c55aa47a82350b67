package sdcard

// Channel is a byte-duplex link to an SD card in SPI mode. Every call is
// synchronous: Exchange shifts one byte out and returns the byte shifted in
// at the same time.
type Channel interface {
	Exchange(b byte) byte
	Select()
	Deselect()
	SetClockFast(fast bool)
}

// CRCSource selects which side of the link the CRC16 hardware observes.
type CRCSource uint8

const (
	// CRCFromHost computes the CRC over the bits sent by the host (MOSI).
	CRCFromHost CRCSource = iota

	// CRCFromCard computes the CRC over the bits sent by the card (MISO).
	CRCFromCard
)

// CRCSourceSelector is implemented by channels with a hardware CRC16 unit.
// The engine calls SelectCRCSource before every data block transfer; it
// never relies on a previously selected source.
type CRCSourceSelector interface {
	SelectCRCSource(src CRCSource)
}

// Control register bits of the ECO32 SD controller. CardSession mirrors the
// last value written.
const (
	ControlSelect    = byte(0x01)
	ControlFastClock = byte(0x02)
	ControlCRC16MISO = byte(0x04)
)

// CardSession tracks the link state of one card from attach to detach.
type CardSession struct {
	// FastClock is set once initialization completes.
	FastClock bool

	// Selected is true while a transaction is in progress.
	Selected bool

	// LastControl is the last control byte sent to the controller.
	LastControl byte

	// Sectors is the card capacity reported by the CSD register. Zero
	// until ReadCardSpecificData succeeds.
	Sectors uint32

	// OCR holds the operating conditions register read at init time.
	OCR [4]byte
}

func (s *CardSession) setControl(bit byte, on bool) {
	if on {
		s.LastControl |= bit
	} else {
		s.LastControl &^= bit
	}
}
