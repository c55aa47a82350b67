// Package sim emulates the card side of an SD card in SPI mode. A Card
// implements sdcard.Channel so the protocol engine can be exercised without
// hardware.
package sim

import (
	"encoding/binary"
	"io"

	"eco32/device/sdcard"
	"eco32/kernel/kfmt"
)

// R1 response bits.
const (
	r1Idle          = byte(0x01)
	r1IllegalCmd    = byte(0x04)
	r1CRCError      = byte(0x08)
	r1ParameterErr  = byte(0x40)
	dataAccepted    = byte(0x05)
	dataCRCError    = byte(0x0B)
	dataWriteError  = byte(0x0D)
	ocrPowerUp      = uint32(0x80000000)
	ocrCCS          = uint32(0x40000000)
	ocrVoltageRange = uint32(0x00FF8000)
	ncrFill         = byte(0xFF)
)

// Defaults for the tunables of a Card.
const (
	DefaultActivationDelay = 3
	DefaultBusyCycles      = 4
	DefaultAccessLatency   = 2
)

type cardState uint8

const (
	stateCommand cardState = iota
	stateWriteToken
	stateWriteData
)

// Card is an emulated SDHC card in SPI mode.
type Card struct {
	storage Storage
	csd     sdcard.CSD

	// ActivationDelay is the number of ACMD41 commands answered with the
	// idle bit set before the card reports ready.
	ActivationDelay int

	// BusyCycles is the number of busy tokens sent after a write.
	BusyCycles int

	// AccessLatency is the number of fill bytes sent before the start
	// token of a read.
	AccessLatency int

	// Trace, if set, receives a line for every command the card decodes.
	Trace io.Writer

	selected  bool
	fastClock bool
	crcSource sdcard.CRCSource
	crcOn     bool
	idle      bool
	appCmd    bool
	activated int

	state       cardState
	cmd         []byte
	out         []byte
	writeSector uint32
	writeOK     bool
	writeBuf    []byte

	commands []sdcard.Command
}

// NewCard returns a powered-down card backed by storage.
func NewCard(storage Storage) (*Card, error) {
	if storage.Sectors() < MinSectors {
		return nil, errImageTooSmall
	}

	return &Card{
		storage:         storage,
		csd:             sdcard.NewCSD(storage.Sectors()),
		ActivationDelay: DefaultActivationDelay,
		BusyCycles:      DefaultBusyCycles,
		AccessLatency:   DefaultAccessLatency,
		idle:            true,
	}, nil
}

// Select implements sdcard.Channel.
func (c *Card) Select() {
	c.selected = true
}

// Deselect implements sdcard.Channel. Any transaction in progress is
// abandoned.
func (c *Card) Deselect() {
	c.selected = false
	c.state = stateCommand
	c.cmd = c.cmd[:0]
	c.out = c.out[:0]
}

// SetClockFast implements sdcard.Channel.
func (c *Card) SetClockFast(fast bool) {
	c.fastClock = fast
}

// FastClock reports whether the host switched to the fast clock.
func (c *Card) FastClock() bool {
	return c.fastClock
}

// SelectCRCSource implements sdcard.CRCSourceSelector.
func (c *Card) SelectCRCSource(src sdcard.CRCSource) {
	c.crcSource = src
}

// CRCSource returns the last CRC source selected by the host.
func (c *Card) CRCSource() sdcard.CRCSource {
	return c.crcSource
}

// Ready reports whether the card left the idle state.
func (c *Card) Ready() bool {
	return !c.idle
}

// Commands returns the commands decoded since the card was created.
func (c *Card) Commands() []sdcard.Command {
	return c.commands
}

// Exchange implements sdcard.Channel. The byte returned was queued by the
// card before b was received, as on a real full-duplex link.
func (c *Card) Exchange(b byte) byte {
	if !c.selected {
		return ncrFill
	}

	out := ncrFill
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	}

	switch c.state {
	case stateCommand:
		c.receiveCommandByte(b)
	case stateWriteToken:
		if b == sdcard.StartBlockToken {
			c.writeBuf = c.writeBuf[:0]
			c.state = stateWriteData
		}
	case stateWriteData:
		c.writeBuf = append(c.writeBuf, b)
		if len(c.writeBuf) == sdcard.SectorSize+2 {
			c.finishWrite()
		}
	}

	return out
}

func (c *Card) receiveCommandByte(b byte) {
	if len(c.cmd) == 0 && b&0xC0 != 0x40 {
		return
	}

	c.cmd = append(c.cmd, b)
	if len(c.cmd) < 6 {
		return
	}

	var frame [6]byte
	copy(frame[:], c.cmd)
	c.cmd = c.cmd[:0]

	cmd, valid := sdcard.ParseCommand(frame)
	c.commands = append(c.commands, cmd)
	if c.Trace != nil {
		kfmt.Fprintf(c.Trace, "CMD%d arg=0x%08x crc=%t\n", cmd.Index, cmd.Arg, valid)
	}

	if !valid && (c.crcOn || cmd.Index == sdcard.CmdGoIdleState || cmd.Index == sdcard.CmdSendIfCond) {
		c.respond(c.r1() | r1CRCError)
		return
	}

	c.execute(cmd)
}

func (c *Card) r1() byte {
	if c.idle {
		return r1Idle
	}
	return 0
}

// respond queues a response after a one byte NCR gap.
func (c *Card) respond(resp ...byte) {
	c.out = append(c.out, ncrFill)
	c.out = append(c.out, resp...)
}

func (c *Card) execute(cmd sdcard.Command) {
	appCmd := c.appCmd
	c.appCmd = false

	switch {
	case cmd.Index == sdcard.CmdGoIdleState:
		c.idle = true
		c.activated = 0
		c.crcOn = false
		c.respond(r1Idle)
	case cmd.Index == sdcard.CmdSendIfCond:
		c.respond(c.r1(), 0, 0, byte(cmd.Arg>>8)&0x0F, byte(cmd.Arg))
	case cmd.Index == sdcard.CmdCRCOnOff:
		c.crcOn = cmd.Arg&1 != 0
		c.respond(c.r1())
	case cmd.Index == sdcard.CmdAppCmd:
		c.appCmd = true
		c.respond(c.r1())
	case cmd.Index == sdcard.ACmdSDSendOpCond && appCmd:
		if c.idle {
			c.activated++
			if c.activated > c.ActivationDelay {
				c.idle = false
			}
		}
		c.respond(c.r1())
	case cmd.Index == sdcard.CmdReadOCR:
		ocr := ocrVoltageRange
		if !c.idle {
			ocr |= ocrPowerUp | ocrCCS
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], ocr)
		c.respond(append([]byte{c.r1()}, buf[:]...)...)
	case c.idle:
		c.respond(r1Idle | r1IllegalCmd)
	case cmd.Index == sdcard.CmdSendCSD:
		c.respond(0)
		c.queueBlock(c.csd[:])
	case cmd.Index == sdcard.CmdReadSingleBlock:
		c.readSector(cmd.Arg)
	case cmd.Index == sdcard.CmdWriteBlock:
		c.respond(0)
		c.writeSector = cmd.Arg
		c.writeOK = cmd.Arg < c.storage.Sectors()
		c.state = stateWriteToken
	default:
		c.respond(r1IllegalCmd)
	}
}

// queueBlock queues a data block: access latency, start token, payload and
// CRC16.
func (c *Card) queueBlock(data []byte) {
	for i := 0; i < c.AccessLatency; i++ {
		c.out = append(c.out, ncrFill)
	}

	crc := sdcard.CRC16(data)
	c.out = append(c.out, sdcard.StartBlockToken)
	c.out = append(c.out, data...)
	c.out = append(c.out, byte(crc>>8), byte(crc))
}

func (c *Card) readSector(sector uint32) {
	if sector >= c.storage.Sectors() {
		c.respond(r1ParameterErr)
		return
	}

	buf := make([]byte, sdcard.SectorSize)
	if _, err := c.storage.ReadAt(buf, int64(sector)*sdcard.SectorSize); err != nil && err != io.EOF {
		c.respond(r1ParameterErr)
		return
	}

	c.respond(0)
	c.queueBlock(buf)
}

func (c *Card) finishWrite() {
	c.state = stateCommand

	data := c.writeBuf[:sdcard.SectorSize]
	received := binary.BigEndian.Uint16(c.writeBuf[sdcard.SectorSize:])

	token := dataAccepted
	switch {
	case received != sdcard.CRC16(data):
		token = dataCRCError
	case !c.writeOK:
		token = dataWriteError
	default:
		if _, err := c.storage.WriteAt(data, int64(c.writeSector)*sdcard.SectorSize); err != nil {
			token = dataWriteError
		}
	}

	c.out = append(c.out, token)
	if token != dataAccepted {
		return
	}

	for i := 0; i < c.BusyCycles; i++ {
		c.out = append(c.out, 0)
	}
}
