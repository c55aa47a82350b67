package sdcard

// Poll bounds of the SPI protocol.
const (
	// SectorSize is the size of a data block.
	SectorSize = 512

	// ResponsePolls is the number of bytes clocked while waiting for a
	// command or data response.
	ResponsePolls = 8

	// StartTokenPolls is the number of bytes clocked while waiting for
	// the start block token of a read.
	StartTokenPolls = 2048

	// ActivationAttempts bounds the ACMD41 loop of Initialize.
	ActivationAttempts = 1000

	// DefaultBusyPollLimit is the default bound on the number of busy
	// tokens accepted after a write.
	DefaultBusyPollLimit = 65536

	// resetClocks is the number of idle bytes clocked out by Reset.
	resetClocks = 10
)

// Engine drives an SD card in SPI mode over a Channel. It performs no
// retries and no locking: callers own the retry policy and must serialize
// access to a card.
type Engine struct {
	ch      Channel
	session CardSession

	// BusyPollLimit bounds the busy wait after a write. Defaults to
	// DefaultBusyPollLimit.
	BusyPollLimit int
}

// NewEngine returns an engine for the card attached to ch.
func NewEngine(ch Channel) *Engine {
	return &Engine{ch: ch, BusyPollLimit: DefaultBusyPollLimit}
}

// Session returns a snapshot of the link state.
func (e *Engine) Session() CardSession {
	return e.session
}

func (e *Engine) selectCard() {
	e.session.Selected = true
	e.session.setControl(ControlSelect, true)
	e.ch.Select()
}

// endTransaction releases the card and clocks one more byte so the card
// can release the data line.
func (e *Engine) endTransaction() {
	e.session.Selected = false
	e.session.setControl(ControlSelect, false)
	e.ch.Deselect()
	e.ch.Exchange(idleByte)
}

func (e *Engine) setClock(fast bool) {
	e.session.FastClock = fast
	e.session.setControl(ControlFastClock, fast)
	e.ch.SetClockFast(fast)
}

func (e *Engine) selectCRCSource(src CRCSource) {
	e.session.setControl(ControlCRC16MISO, src == CRCFromCard)
	if selector, ok := e.ch.(CRCSourceSelector); ok {
		selector.SelectCRCSource(src)
	}
}

// Reset switches to the slow clock, deselects the card and clocks out idle
// bytes so the card can power up.
func (e *Engine) Reset() {
	e.setClock(false)
	e.session.Selected = false
	e.session.setControl(ControlSelect, false)
	e.ch.Deselect()

	for i := 0; i < resetClocks; i++ {
		e.ch.Exchange(idleByte)
	}
}

// SendCommand selects the card, sends the command frame and polls for the
// R1 response. On success the card stays selected and the caller must
// finish the transaction. If no response arrives the card is deselected
// and ErrNoResponse is returned.
func (e *Engine) SendCommand(cmd Command) (byte, error) {
	e.selectCard()

	frame := cmd.Frame()
	for _, b := range frame {
		e.ch.Exchange(b)
	}

	for i := 0; i < ResponsePolls; i++ {
		if r := e.ch.Exchange(idleByte); r != idleByte {
			return r, nil
		}
	}

	e.endTransaction()
	return idleByte, &ProtocolError{Err: ErrNoResponse, Command: cmd, Response: idleByte, Token: idleByte}
}

// transact sends a command and collects its complete response.
func (e *Engine) transact(cmd Command) ([]byte, error) {
	r1, err := e.SendCommand(cmd)
	if err != nil {
		return nil, err
	}

	resp := make([]byte, cmd.responseLen())
	resp[0] = r1
	for i := 1; i < len(resp); i++ {
		resp[i] = e.ch.Exchange(idleByte)
	}

	e.endTransaction()
	return resp, nil
}

// ReadBlock sends cmd and receives the data block that follows into buf.
// The CRC16 is computed over the bytes received from the card.
func (e *Engine) ReadBlock(cmd Command, buf []byte) error {
	r1, err := e.SendCommand(cmd)
	if err != nil {
		return err
	}

	tokenSeen := false
	for i := 0; i < StartTokenPolls && !tokenSeen; i++ {
		tokenSeen = e.ch.Exchange(idleByte) == StartBlockToken
	}

	if !tokenSeen {
		e.endTransaction()
		return &ProtocolError{Err: ErrTimeout, Command: cmd, Response: r1, Token: idleByte}
	}

	e.selectCRCSource(CRCFromCard)
	for i := range buf {
		buf[i] = e.ch.Exchange(idleByte)
	}

	received := uint16(e.ch.Exchange(idleByte)) << 8
	received |= uint16(e.ch.Exchange(idleByte))
	e.endTransaction()

	if expected := CRC16(buf); expected != received {
		return &ProtocolError{Err: ErrCRCMismatch, Command: cmd, Response: r1, Token: idleByte, ExpectedCRC: expected, ReceivedCRC: received}
	}

	return nil
}

// WriteBlock sends cmd followed by a data block. The CRC16 is computed over
// the bytes sent by the host. After the card accepts the block the engine
// waits, at most BusyPollLimit polls, for the card to finish programming.
func (e *Engine) WriteBlock(cmd Command, data []byte) error {
	r1, err := e.SendCommand(cmd)
	if err != nil {
		return err
	}

	e.ch.Exchange(StartBlockToken)
	e.selectCRCSource(CRCFromHost)
	for _, b := range data {
		e.ch.Exchange(b)
	}

	crc := CRC16(data)
	e.ch.Exchange(byte(crc >> 8))
	e.ch.Exchange(byte(crc))

	token := idleByte
	for i := 0; i < ResponsePolls && token == idleByte; i++ {
		token = e.ch.Exchange(idleByte)
	}

	if token == idleByte {
		e.endTransaction()
		return &ProtocolError{Err: ErrNoResponse, Command: cmd, Response: r1, Token: token}
	}

	if token&dataResponseMask != dataResponseAccepted {
		e.endTransaction()
		return &ProtocolError{Err: ErrRejected, Command: cmd, Response: r1, Token: token}
	}

	limit := e.BusyPollLimit
	if limit <= 0 {
		limit = DefaultBusyPollLimit
	}

	for i := 0; ; i++ {
		if i == limit {
			e.endTransaction()
			return &ProtocolError{Err: ErrTimeout, Command: cmd, Response: r1, Token: token}
		}

		if e.ch.Exchange(idleByte) != busyToken {
			break
		}
	}

	e.endTransaction()
	return nil
}

// Initialize brings the card from power-up to the ready state and switches
// to the fast clock. Only a missing answer to GO_IDLE_STATE and a failed
// activation are treated as errors; the remaining commands are
// informational.
func (e *Engine) Initialize() error {
	e.Reset()

	if _, err := e.transact(Command{Index: CmdGoIdleState}); err != nil {
		return err
	}

	_, _ = e.transact(Command{Index: CmdSendIfCond, Arg: ifCondCheckPattern})
	_, _ = e.transact(Command{Index: CmdCRCOnOff, Arg: 1})

	if err := e.activate(); err != nil {
		return err
	}

	if ocr, err := e.transact(Command{Index: CmdReadOCR}); err == nil {
		copy(e.session.OCR[:], ocr[1:])
	}

	e.setClock(true)
	return nil
}

// activate repeats APP_CMD + SD_SEND_OP_COND until the card reports ready.
func (e *Engine) activate() error {
	last := idleByte
	for tries := 0; tries < ActivationAttempts; tries++ {
		_, _ = e.transact(Command{Index: CmdAppCmd})

		resp, err := e.transact(Command{Index: ACmdSDSendOpCond, Arg: hostCapacitySupport})
		if err != nil {
			last = idleByte
			continue
		}

		if last = resp[0]; last == R1Ready {
			return nil
		}
	}

	return &ProtocolError{Err: ErrActivationFailed, Command: Command{Index: ACmdSDSendOpCond, Arg: hostCapacitySupport}, Response: last, Token: idleByte}
}

// ReadCardSpecificData reads the CSD register and records the card capacity
// in the session.
func (e *Engine) ReadCardSpecificData() (CSD, error) {
	var csd CSD

	cmd := Command{Index: CmdSendCSD}
	if err := e.ReadBlock(cmd, csd[:]); err != nil {
		return csd, err
	}

	if csd.Structure() != csdStructure {
		return csd, &ProtocolError{Err: ErrUnsupportedCSD, Command: cmd, Response: R1Ready, Token: idleByte}
	}

	e.session.Sectors = csd.Sectors()
	return csd, nil
}

// ReadSector reads one 512-byte sector.
func (e *Engine) ReadSector(index uint32) ([]byte, error) {
	buf := make([]byte, SectorSize)
	if err := e.ReadBlock(sectorCommand(CmdReadSingleBlock, index), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteSector writes one 512-byte sector.
func (e *Engine) WriteSector(index uint32, data []byte) error {
	if len(data) != SectorSize {
		return errBufferSize
	}
	return e.WriteBlock(sectorCommand(CmdWriteBlock, index), data)
}
