package sdcard

import (
	"errors"
	"io"

	"eco32/device"
	"eco32/kernel"
	"eco32/kernel/kfmt"
)

// Driver exposes an SD card attached to a Channel as a sector device.
type Driver struct {
	engine  *Engine
	csd     CSD
	initErr error
}

// NewDriver returns a driver for the card attached to ch. The card is not
// touched until DriverInit is invoked.
func NewDriver(ch Channel) *Driver {
	return &Driver{engine: NewEngine(ch)}
}

// DriverName returns the name of this driver.
func (*Driver) DriverName() string {
	return "eco32sdc"
}

// DriverVersion returns the version of this driver.
func (*Driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes the card and reads its capacity.
func (drv *Driver) DriverInit(w io.Writer) *kernel.Error {
	drv.initErr = nil
	if err := drv.engine.Initialize(); err != nil {
		drv.initErr = err
		kfmt.Fprintf(w, "%s\n", err.Error())
		return sentinel(err)
	}

	session := drv.engine.Session()
	kfmt.Fprintf(w, "OCR: %02x%02x%02x%02x\n", session.OCR[0], session.OCR[1], session.OCR[2], session.OCR[3])

	csd, err := drv.engine.ReadCardSpecificData()
	if err != nil {
		drv.initErr = err
		kfmt.Fprintf(w, "%s\n", err.Error())
		return sentinel(err)
	}

	drv.csd = csd
	kfmt.Fprintf(w, "capacity: %d sectors (%d MiB)\n", csd.Sectors(), csd.Sectors()>>11)
	return nil
}

// InitErr returns the error that made the last DriverInit call fail or nil.
// Unlike the sentinel returned by DriverInit it keeps the protocol details.
func (drv *Driver) InitErr() error {
	return drv.initErr
}

// Engine returns the protocol engine used by the driver.
func (drv *Driver) Engine() *Engine {
	return drv.engine
}

// CSD returns the card specific data read by DriverInit.
func (drv *Driver) CSD() CSD {
	return drv.csd
}

// Sectors returns the card capacity in sectors.
func (drv *Driver) Sectors() uint32 {
	return drv.engine.Session().Sectors
}

// ReadSector reads the sector with the supplied index into buf.
func (drv *Driver) ReadSector(index uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return errBufferSize
	}
	return drv.engine.ReadBlock(sectorCommand(CmdReadSingleBlock, index), buf)
}

// WriteSector writes data to the sector with the supplied index.
func (drv *Driver) WriteSector(index uint32, data []byte) error {
	return drv.engine.WriteSector(index, data)
}

// ProbeFor returns a probe function that reports a driver for the card
// attached to ch. A nil channel means that no card slot is present.
func ProbeFor(ch Channel) device.ProbeFn {
	return func() device.Driver {
		if ch == nil {
			return nil
		}
		return NewDriver(ch)
	}
}

// sentinel extracts the kernel error carried by err.
func sentinel(err error) *kernel.Error {
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return &kernel.Error{Module: "sdcard", Message: err.Error()}
}
