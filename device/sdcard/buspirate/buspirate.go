// Package buspirate implements sdcard.Channel on top of a Bus Pirate in
// binary SPI mode, so a real card can be driven from the host.
package buspirate

import (
	"io"

	"eco32/device/sdcard"
	"eco32/kernel"

	tty "github.com/mattn/go-tty"
)

// Binary mode protocol bytes.
const (
	cmdReset       = byte(0x00)
	cmdEnterSPI    = byte(0x01)
	cmdCSLow       = byte(0x02)
	cmdCSHigh      = byte(0x03)
	cmdExitBinary  = byte(0x0F)
	cmdBulk        = byte(0x10)
	cmdPeripherals = byte(0x40)
	cmdSpeed       = byte(0x60)
	cmdSPIConfig   = byte(0x80)
	replyOK        = byte(0x01)

	// power supplies on
	peripheralPower = byte(0x08)

	// 3.3V outputs, clock idle low, data changes on active to idle edge
	// (SPI mode 0)
	spiMode0 = byte(0x0A)

	resetAttempts = 20
)

// Clock settings used for the slow (identification) and fast (transfer)
// phases.
const (
	SpeedSlow = byte(0x02) // 250kHz
	SpeedFast = byte(0x06) // 4MHz
)

var (
	errNoBinaryMode = &kernel.Error{Module: "buspirate", Message: "device did not enter binary mode"}
	errNoSPIMode    = &kernel.Error{Module: "buspirate", Message: "device did not enter SPI mode"}
	errNoAck        = &kernel.Error{Module: "buspirate", Message: "command not acknowledged"}
)

// Port is the serial link to the Bus Pirate.
type Port interface {
	io.Reader
	io.Writer
}

// BusPirate is an SD channel over a Bus Pirate. I/O errors are sticky: once
// one occurs every exchange returns 0xFF, which the protocol engine reports
// as a missing response, and Err returns the cause.
type BusPirate struct {
	port    Port
	closeFn func() error
	err     error
}

// Open opens the serial device at path, switches it to raw mode and puts
// the Bus Pirate in binary SPI mode.
func Open(path string) (*BusPirate, error) {
	t, err := tty.OpenDevice(path)
	if err != nil {
		return nil, err
	}

	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, err
	}

	bp, err := New(ttyPort{t})
	if err != nil {
		restore()
		t.Close()
		return nil, err
	}

	bp.closeFn = func() error {
		restore()
		return t.Close()
	}
	return bp, nil
}

// New puts the Bus Pirate attached to port in binary SPI mode.
func New(port Port) (*BusPirate, error) {
	bp := &BusPirate{port: port}

	reset := make([]byte, resetAttempts)
	bp.write(reset...)
	if !bp.expect("BBIO1", resetAttempts*len("BBIO1")) {
		return nil, bp.failure(errNoBinaryMode)
	}

	// Every reset byte past the first one is answered with another
	// BBIO1, so the SPI banner may follow a few of them.
	bp.write(cmdEnterSPI)
	if !bp.expect("SPI1", resetAttempts*len("BBIO1")+len("SPI1")) {
		return nil, bp.failure(errNoSPIMode)
	}

	for _, cmd := range []byte{cmdPeripherals | peripheralPower, cmdSPIConfig | spiMode0, cmdSpeed | SpeedSlow} {
		bp.command(cmd)
	}

	if bp.err != nil {
		return nil, bp.err
	}
	return bp, nil
}

// Err returns the first I/O or protocol error encountered.
func (bp *BusPirate) Err() error {
	return bp.err
}

// Exchange implements sdcard.Channel.
func (bp *BusPirate) Exchange(b byte) byte {
	if !bp.command(cmdBulk, b) {
		return 0xFF
	}

	var reply [1]byte
	if !bp.read(reply[:]) {
		return 0xFF
	}
	return reply[0]
}

// Select implements sdcard.Channel.
func (bp *BusPirate) Select() {
	bp.command(cmdCSLow)
}

// Deselect implements sdcard.Channel.
func (bp *BusPirate) Deselect() {
	bp.command(cmdCSHigh)
}

// SetClockFast implements sdcard.Channel.
func (bp *BusPirate) SetClockFast(fast bool) {
	speed := SpeedSlow
	if fast {
		speed = SpeedFast
	}
	bp.command(cmdSpeed | speed)
}

// Close returns the Bus Pirate to its user terminal and releases the port.
func (bp *BusPirate) Close() error {
	bp.err = nil
	bp.write(cmdReset, cmdExitBinary)

	if bp.closeFn != nil {
		if err := bp.closeFn(); err != nil {
			return err
		}
	}
	return bp.err
}

// command sends a command and waits for its acknowledgement.
func (bp *BusPirate) command(b ...byte) bool {
	bp.write(b...)

	var ack [1]byte
	if !bp.read(ack[:]) {
		return false
	}

	if ack[0] != replyOK {
		bp.err = errNoAck
		return false
	}
	return true
}

func (bp *BusPirate) write(b ...byte) {
	if bp.err != nil {
		return
	}
	_, bp.err = bp.port.Write(b)
}

func (bp *BusPirate) read(b []byte) bool {
	if bp.err != nil {
		return false
	}
	_, bp.err = io.ReadFull(bp.port, b)
	return bp.err == nil
}

// expect consumes input until token is seen or limit bytes were read.
func (bp *BusPirate) expect(token string, limit int) bool {
	var (
		window = make([]byte, 0, len(token))
		b      [1]byte
	)

	for i := 0; i < limit && bp.read(b[:]); i++ {
		if len(window) == len(token) {
			window = append(window[:0], window[1:]...)
		}
		window = append(window, b[0])

		if string(window) == token {
			return true
		}
	}
	return false
}

func (bp *BusPirate) failure(err *kernel.Error) error {
	if bp.err != nil {
		return bp.err
	}
	return err
}

// ttyPort adapts a go-tty handle to Port.
type ttyPort struct {
	t *tty.TTY
}

func (p ttyPort) Read(b []byte) (int, error) {
	return p.t.Input().Read(b)
}

func (p ttyPort) Write(b []byte) (int, error) {
	return p.t.Output().Write(b)
}

var _ sdcard.Channel = (*BusPirate)(nil)
