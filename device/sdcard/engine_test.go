package sdcard

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// scriptedCard is a Channel that decodes command frames and answers them
// through a handler. Bytes queued by the handler are returned by the
// following exchanges; an empty queue reads as 0xFF.
type scriptedCard struct {
	handler func(cmd Command) []byte

	selected   bool
	fastClock  bool
	frame      []byte
	queue      []byte
	sent       []byte
	commands   []Command
	selects    int
	deselects  int
	crcSources []CRCSource

	// dataHandler, if set, is invoked for every byte sent while the queue
	// is empty after a command; it can queue further bytes.
	dataHandler func(b byte) []byte
}

func (c *scriptedCard) Exchange(b byte) byte {
	if !c.selected {
		return 0xFF
	}

	c.sent = append(c.sent, b)

	out := byte(0xFF)
	if len(c.queue) > 0 {
		out = c.queue[0]
		c.queue = c.queue[1:]
	}

	if c.dataHandler != nil {
		c.queue = append(c.queue, c.dataHandler(b)...)
		return out
	}

	if len(c.frame) == 0 && b&0xC0 != 0x40 {
		return out
	}

	c.frame = append(c.frame, b)
	if len(c.frame) == 6 {
		var frame [6]byte
		copy(frame[:], c.frame)
		c.frame = c.frame[:0]

		cmd, _ := ParseCommand(frame)
		c.commands = append(c.commands, cmd)
		c.queue = append(c.queue, c.handler(cmd)...)
	}

	return out
}

func (c *scriptedCard) Select() { c.selected = true; c.selects++ }

func (c *scriptedCard) Deselect() {
	c.selected = false
	c.deselects++
	c.frame = c.frame[:0]
	c.queue = c.queue[:0]
	c.dataHandler = nil
}

func (c *scriptedCard) SetClockFast(fast bool) { c.fastClock = fast }

func (c *scriptedCard) SelectCRCSource(src CRCSource) { c.crcSources = append(c.crcSources, src) }

func dataBlock(payload []byte, latency int) []byte {
	block := bytes.Repeat([]byte{0xFF}, latency)
	block = append(block, StartBlockToken)
	block = append(block, payload...)
	crc := CRC16(payload)
	return append(block, byte(crc>>8), byte(crc))
}

// initHandler answers the initialization sequence; ACMD41 reports ready
// after readyAfter attempts.
func initHandler(readyAfter int) func(Command) []byte {
	attempts := 0
	return func(cmd Command) []byte {
		switch cmd.Index {
		case CmdGoIdleState:
			return []byte{0xFF, R1Idle}
		case CmdSendIfCond:
			return []byte{0xFF, R1Idle, 0, 0, 0x01, 0xAA}
		case ACmdSDSendOpCond:
			attempts++
			if readyAfter >= 0 && attempts >= readyAfter {
				return []byte{R1Ready}
			}
			return []byte{R1Idle}
		case CmdReadOCR:
			return []byte{R1Ready, 0xC0, 0xFF, 0x80, 0x00}
		default:
			return []byte{R1Idle}
		}
	}
}

func TestInitialize(t *testing.T) {
	t.Run("card ready on first ACMD41", func(t *testing.T) {
		card := &scriptedCard{handler: initHandler(1)}
		e := NewEngine(card)

		if err := e.Initialize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !card.fastClock {
			t.Fatal("expected channel to be switched to the fast clock")
		}

		session := e.Session()
		if !session.FastClock || session.Selected || session.LastControl != ControlFastClock {
			t.Fatalf("unexpected session state: %+v", session)
		}

		if exp := [4]byte{0xC0, 0xFF, 0x80, 0x00}; session.OCR != exp {
			t.Fatalf("expected OCR %x; got %x", exp, session.OCR)
		}

		expCmds := []uint8{CmdGoIdleState, CmdSendIfCond, CmdCRCOnOff, CmdAppCmd, ACmdSDSendOpCond, CmdReadOCR}
		if len(card.commands) != len(expCmds) {
			t.Fatalf("expected %d commands; got %d", len(expCmds), len(card.commands))
		}
		for i, exp := range expCmds {
			if card.commands[i].Index != exp {
				t.Errorf("command %d: expected CMD%d; got CMD%d", i, exp, card.commands[i].Index)
			}
		}

		if card.commands[4].Arg != hostCapacitySupport {
			t.Errorf("expected ACMD41 argument 0x%08x; got 0x%08x", hostCapacitySupport, card.commands[4].Arg)
		}

		if card.selects != len(expCmds) {
			t.Errorf("expected one select per command; got %d selects for %d commands", card.selects, len(expCmds))
		}
	})

	t.Run("activation never completes", func(t *testing.T) {
		card := &scriptedCard{handler: initHandler(-1)}
		e := NewEngine(card)

		err := e.Initialize()
		if !errors.Is(err, ErrActivationFailed) {
			t.Fatalf("expected ErrActivationFailed; got %v", err)
		}

		var acmd41 int
		for _, cmd := range card.commands {
			if cmd.Index == ACmdSDSendOpCond {
				acmd41++
			}
		}
		if acmd41 != ActivationAttempts {
			t.Fatalf("expected %d ACMD41 attempts; got %d", ActivationAttempts, acmd41)
		}

		if card.fastClock {
			t.Fatal("expected slow clock after a failed initialization")
		}
	})

	t.Run("no card", func(t *testing.T) {
		card := &scriptedCard{handler: func(Command) []byte { return nil }}
		e := NewEngine(card)

		err := e.Initialize()
		if !errors.Is(err, ErrNoResponse) {
			t.Fatalf("expected ErrNoResponse; got %v", err)
		}

		if len(card.commands) != 1 {
			t.Fatalf("expected initialization to stop after CMD0; got %d commands", len(card.commands))
		}

		if card.selected {
			t.Fatal("expected card to be deselected")
		}
	})
}

func TestReset(t *testing.T) {
	card := &scriptedCard{fastClock: true}
	e := NewEngine(card)
	e.Reset()

	if card.fastClock || card.selected || card.deselects != 1 {
		t.Fatalf("expected slow clock and a deselected card; got fast=%t selected=%t deselects=%d", card.fastClock, card.selected, card.deselects)
	}

	if len(card.sent) != 0 {
		t.Fatalf("expected idle bytes to be clocked while deselected; card saw %d bytes", len(card.sent))
	}
}

func TestSendCommand(t *testing.T) {
	specs := []struct {
		reply    []byte
		expR1    byte
		expErr   error
		selected bool
	}{
		{[]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, R1Ready}, R1Ready, nil, true},
		{[]byte{R1Idle}, R1Idle, nil, true},
		{[]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, R1Ready}, 0xFF, ErrNoResponse, false},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			card := &scriptedCard{handler: func(Command) []byte { return spec.reply }}
			e := NewEngine(card)

			r1, err := e.SendCommand(Command{Index: CmdGoIdleState})
			if !errors.Is(err, spec.expErr) && !(err == nil && spec.expErr == nil) {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}

			if r1 != spec.expR1 {
				t.Fatalf("expected R1 0x%02x; got 0x%02x", spec.expR1, r1)
			}

			if card.selected != spec.selected || e.Session().Selected != spec.selected {
				t.Fatalf("expected selected=%t; channel=%t session=%t", spec.selected, card.selected, e.Session().Selected)
			}

			if exp := (Command{Index: CmdGoIdleState}).Frame(); !bytes.Equal(card.sent[:6], exp[:]) {
				t.Fatalf("expected frame % x; got % x", exp, card.sent[:6])
			}
		})
	}
}

func TestReadSector(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, SectorSize)

	t.Run("start token after 3 polls", func(t *testing.T) {
		card := &scriptedCard{handler: func(cmd Command) []byte {
			return append([]byte{R1Ready}, dataBlock(payload, 2)...)
		}}
		e := NewEngine(card)

		data, err := e.ReadSector(5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !bytes.Equal(data, payload) {
			t.Fatal("sector contents mismatch")
		}

		if exp := sectorCommand(CmdReadSingleBlock, 5); card.commands[0] != exp {
			t.Fatalf("expected %+v; got %+v", exp, card.commands[0])
		}

		if len(card.crcSources) != 1 || card.crcSources[0] != CRCFromCard {
			t.Fatalf("expected CRC source to be set to the card; got %v", card.crcSources)
		}

		if card.selected || card.deselects != 1 {
			t.Fatal("expected card to be deselected once after the transfer")
		}

		if exp := ControlCRC16MISO; e.Session().LastControl != exp {
			t.Fatalf("expected control byte 0x%02x; got 0x%02x", exp, e.Session().LastControl)
		}
	})

	t.Run("start token never arrives", func(t *testing.T) {
		card := &scriptedCard{handler: func(Command) []byte { return []byte{R1Ready} }}
		e := NewEngine(card)

		_, err := e.ReadSector(5)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout; got %v", err)
		}

		// frame, R1 poll and start token polls
		if exp := 6 + 1 + StartTokenPolls; len(card.sent) != exp {
			t.Fatalf("expected %d bytes to be clocked while selected; got %d", exp, len(card.sent))
		}
	})

	t.Run("CRC mismatch", func(t *testing.T) {
		card := &scriptedCard{handler: func(Command) []byte {
			block := dataBlock(payload, 0)
			block[len(block)-1] ^= 0x01
			return append([]byte{R1Ready}, block...)
		}}
		e := NewEngine(card)

		_, err := e.ReadSector(5)
		if !errors.Is(err, ErrCRCMismatch) {
			t.Fatalf("expected ErrCRCMismatch; got %v", err)
		}

		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected a *ProtocolError; got %T", err)
		}

		if exp := CRC16(payload); perr.ExpectedCRC != exp || perr.ReceivedCRC != exp^0x01 {
			t.Fatalf("unexpected CRC values in error: %+v", perr)
		}

		if card.selected || card.deselects != 1 {
			t.Fatal("expected card to be deselected")
		}
	})

	t.Run("no response", func(t *testing.T) {
		card := &scriptedCard{handler: func(Command) []byte { return nil }}
		if _, err := NewEngine(card).ReadSector(5); !errors.Is(err, ErrNoResponse) {
			t.Fatalf("expected ErrNoResponse; got %v", err)
		}
	})
}

// writeHandler answers CMD24 and then feeds the host's data block to
// onBlock once it has been received in full.
func writeHandler(card *scriptedCard, onBlock func(data []byte, crc uint16) []byte) func(Command) []byte {
	return func(cmd Command) []byte {
		var (
			started bool
			buf     []byte
		)

		card.dataHandler = func(b byte) []byte {
			if !started {
				started = b == StartBlockToken
				return nil
			}

			buf = append(buf, b)
			if len(buf) < SectorSize+2 {
				return nil
			}

			card.dataHandler = func(byte) []byte { return nil }
			return onBlock(buf[:SectorSize], uint16(buf[SectorSize])<<8|uint16(buf[SectorSize+1]))
		}

		return []byte{0xFF, R1Ready}
	}
}

func TestWriteSector(t *testing.T) {
	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	specs := []struct {
		reply  func(data []byte, crc uint16) []byte
		limit  int
		expErr error
	}{
		// accepted, 3 busy cycles
		{func(data []byte, crc uint16) []byte {
			if crc != CRC16(data) {
				return []byte{0x0B}
			}
			return []byte{0xE5, 0x00, 0x00, 0x00}
		}, 0, nil},
		// CRC error token
		{func([]byte, uint16) []byte { return []byte{0x0B} }, 0, ErrRejected},
		// write error token
		{func([]byte, uint16) []byte { return []byte{0xFF, 0x0D} }, 0, ErrRejected},
		// no data response
		{func([]byte, uint16) []byte { return nil }, 0, ErrNoResponse},
		// busy longer than the limit
		{func([]byte, uint16) []byte { return append([]byte{0x05}, make([]byte, 64)...) }, 16, ErrTimeout},
		// busy exactly as long as the limit allows
		{func([]byte, uint16) []byte { return append([]byte{0x05}, make([]byte, 15)...) }, 16, nil},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			card := &scriptedCard{}
			card.handler = writeHandler(card, spec.reply)

			e := NewEngine(card)
			if spec.limit != 0 {
				e.BusyPollLimit = spec.limit
			}

			err := e.WriteSector(7, payload)
			if spec.expErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.expErr != nil && !errors.Is(err, spec.expErr) {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}

			if card.selected || e.Session().Selected {
				t.Fatal("expected card to be deselected")
			}

			if len(card.crcSources) != 1 || card.crcSources[0] != CRCFromHost {
				t.Fatalf("expected CRC source to be set to the host; got %v", card.crcSources)
			}

			if exp := sectorCommand(CmdWriteBlock, 7); card.commands[0] != exp {
				t.Fatalf("expected %+v; got %+v", exp, card.commands[0])
			}
		})
	}

	t.Run("short buffer", func(t *testing.T) {
		card := &scriptedCard{handler: func(Command) []byte { return nil }}
		if err := NewEngine(card).WriteSector(0, payload[:10]); err != errBufferSize {
			t.Fatalf("expected errBufferSize; got %v", err)
		}
		if len(card.commands) != 0 {
			t.Fatal("expected no command to be sent")
		}
	})
}

func TestReadCardSpecificData(t *testing.T) {
	v1 := NewCSD(4096)
	v1[0] = 0x00

	specs := []struct {
		csd        CSD
		expErr     error
		expSectors uint32
	}{
		{NewCSD(1024), nil, 1024},
		{NewCSD(15523840), nil, 15523840},
		{NewCSD(4096 + 512), nil, 4096},
		{v1, ErrUnsupportedCSD, 0},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			card := &scriptedCard{handler: func(Command) []byte {
				return append([]byte{R1Ready}, dataBlock(spec.csd[:], 1)...)
			}}
			e := NewEngine(card)

			csd, err := e.ReadCardSpecificData()
			if spec.expErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.expErr != nil && !errors.Is(err, spec.expErr) {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}

			if got := e.Session().Sectors; got != spec.expSectors {
				t.Fatalf("expected session capacity %d; got %d", spec.expSectors, got)
			}

			if spec.expErr == nil && csd.Sectors() != spec.expSectors {
				t.Fatalf("expected CSD capacity %d; got %d", spec.expSectors, csd.Sectors())
			}
		})
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	specs := []struct {
		err    *ProtocolError
		expMsg string
	}{
		{
			&ProtocolError{Err: ErrNoResponse, Command: Command{Index: 17}, Response: 0xFF},
			"CMD17: no response from card (response 0xff)",
		},
		{
			&ProtocolError{Err: ErrRejected, Command: Command{Index: 24}, Token: 0x0B},
			"CMD24: data block rejected by card (token 0x0b)",
		},
		{
			&ProtocolError{Err: ErrCRCMismatch, Command: Command{Index: 17}, ExpectedCRC: 0x1234, ReceivedCRC: 0xBEEF},
			"CMD17: data block CRC mismatch (expected 0x1234, got 0xbeef)",
		},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if got := spec.err.Error(); got != spec.expMsg {
				t.Fatalf("expected %q; got %q", spec.expMsg, got)
			}
		})
	}
}
