// Package block exposes a sector device at byte granularity and decodes the
// ECO32 partition table.
package block

import (
	"io"

	"eco32/kernel"
	"eco32/kernel/kfmt"
	"eco32/kernel/sync"
)

// SectorSize is the size of a sector in bytes.
const SectorSize = 512

// DefaultRetryLimit is the default number of times a failed sector transfer
// is retried.
const DefaultRetryLimit = 3

var (
	errSectorOutOfRange = &kernel.Error{Module: "block", Message: "sector out of range"}
	errBufferSize       = &kernel.Error{Module: "block", Message: "buffer size does not match the sector size"}
	errNegativeOffset   = &kernel.Error{Module: "block", Message: "negative offset"}
	errWritePastEnd     = &kernel.Error{Module: "block", Message: "write past the end of the device"}
)

// SectorDevice is a device that transfers whole sectors.
type SectorDevice interface {
	ReadSector(index uint32, buf []byte) error
	WriteSector(index uint32, data []byte) error
	Sectors() uint32
}

// Device serializes access to a SectorDevice, retries failed transfers and
// implements io.ReaderAt and io.WriterAt on top of it.
type Device struct {
	dev  SectorDevice
	lock sync.Spinlock

	// RetryLimit is the number of times a failed transfer is retried
	// before its error is returned. Defaults to DefaultRetryLimit.
	RetryLimit int

	retries uint64
}

// NewDevice wraps dev.
func NewDevice(dev SectorDevice) *Device {
	return &Device{dev: dev, RetryLimit: DefaultRetryLimit}
}

// Sectors returns the device size in sectors.
func (d *Device) Sectors() uint32 {
	return d.dev.Sectors()
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return int64(d.dev.Sectors()) * SectorSize
}

// Retries returns the number of retried transfers since the device was
// created.
func (d *Device) Retries() uint64 {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.retries
}

// ReadSector reads a single sector into buf.
func (d *Device) ReadSector(index uint32, buf []byte) error {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.transfer(index, buf, d.dev.ReadSector)
}

// WriteSector writes data to a single sector.
func (d *Device) WriteSector(index uint32, data []byte) error {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.transfer(index, data, d.dev.WriteSector)
}

// transfer runs op with retries. The caller must hold the lock.
func (d *Device) transfer(index uint32, buf []byte, op func(uint32, []byte) error) error {
	if len(buf) != SectorSize {
		return errBufferSize
	}
	if index >= d.dev.Sectors() {
		return errSectorOutOfRange
	}

	var err error
	for attempt := 0; attempt <= d.RetryLimit; attempt++ {
		if attempt > 0 {
			d.retries++
			kfmt.Printf("[block] sector %d: retry %d/%d after error: %s\n", index, attempt, d.RetryLimit, err.Error())
		}

		if err = op(index, buf); err == nil {
			return nil
		}
	}

	return err
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}

	var eof error
	if remaining := size - off; int64(len(p)) > remaining {
		p = p[:remaining]
		eof = io.EOF
	}

	d.lock.Acquire()
	defer d.lock.Release()

	var (
		sector = make([]byte, SectorSize)
		n      int
	)
	for n < len(p) {
		pos := off + int64(n)
		index, start := uint32(pos/SectorSize), int(pos%SectorSize)

		if err := d.transfer(index, sector, d.dev.ReadSector); err != nil {
			return n, err
		}
		n += copy(p[n:], sector[start:])
	}

	return n, eof
}

// WriteAt implements io.WriterAt. Partially covered sectors are read,
// patched and written back.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off+int64(len(p)) > d.Size() {
		return 0, errWritePastEnd
	}

	d.lock.Acquire()
	defer d.lock.Release()

	var (
		sector = make([]byte, SectorSize)
		n      int
	)
	for n < len(p) {
		pos := off + int64(n)
		index, start := uint32(pos/SectorSize), int(pos%SectorSize)

		chunk := len(p) - n
		if chunk > SectorSize-start {
			chunk = SectorSize - start
		}

		if chunk < SectorSize {
			if err := d.transfer(index, sector, d.dev.ReadSector); err != nil {
				return n, err
			}
		}

		copy(sector[start:], p[n:n+chunk])
		if err := d.transfer(index, sector, d.dev.WriteSector); err != nil {
			return n, err
		}
		n += chunk
	}

	return n, nil
}
