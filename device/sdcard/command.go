package sdcard

import "encoding/binary"

// Command indices used by the engine.
const (
	CmdGoIdleState      = uint8(0)
	CmdSendIfCond       = uint8(8)
	CmdSendCSD          = uint8(9)
	CmdReadSingleBlock  = uint8(17)
	CmdWriteBlock       = uint8(24)
	CmdAppCmd           = uint8(55)
	CmdReadOCR          = uint8(58)
	CmdCRCOnOff         = uint8(59)
	ACmdSDSendOpCond    = uint8(41)
	commandStartBits    = byte(0x40)
	commandIndexMask    = byte(0x3f)
	ifCondCheckPattern  = uint32(0x1AA)
	hostCapacitySupport = uint32(0x40000000)
)

// Tokens and response values of the SPI protocol.
const (
	// StartBlockToken precedes every data block.
	StartBlockToken = byte(0xFE)

	// R1Ready is the R1 response of an initialized card.
	R1Ready = byte(0x00)

	// R1Idle is the R1 response of a card in the idle state.
	R1Idle = byte(0x01)

	dataResponseMask     = byte(0x1F)
	dataResponseAccepted = byte(0x05)
	busyToken            = byte(0x00)
	idleByte             = byte(0xFF)
)

// Command is a SPI mode command: a 6-bit index and a 32-bit argument.
type Command struct {
	Index uint8
	Arg   uint32
}

// Frame encodes the command as the 6 bytes sent on the wire: start bits and
// index, big-endian argument, CRC7 and stop bit.
func (c Command) Frame() [6]byte {
	var frame [6]byte
	frame[0] = commandStartBits | (c.Index & commandIndexMask)
	binary.BigEndian.PutUint32(frame[1:5], c.Arg)
	frame[5] = CRC7(frame[:5])<<1 | 1
	return frame
}

// ParseCommand decodes a command frame. It returns false if the start bits
// are wrong or the CRC7 does not match.
func ParseCommand(frame [6]byte) (Command, bool) {
	cmd := Command{
		Index: frame[0] & commandIndexMask,
		Arg:   binary.BigEndian.Uint32(frame[1:5]),
	}

	return cmd, frame[0]&^commandIndexMask == commandStartBits && CRC7Residue(frame[:]) == 0
}

// responseLen returns the number of response bytes for a command: R3 and R7
// responses carry 4 bytes after the R1 byte.
func (c Command) responseLen() int {
	switch c.Index {
	case CmdSendIfCond, CmdReadOCR:
		return 5
	default:
		return 1
	}
}

// sectorCommand builds a command whose argument is a sector index.
func sectorCommand(index uint8, sector uint32) Command {
	return Command{Index: index, Arg: sector}
}
