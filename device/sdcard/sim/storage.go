package sim

import (
	"io"
	"os"

	"eco32/device/sdcard"
	"eco32/kernel"
)

// MinSectors is the smallest image a card can be built on; the CSD register
// encodes the capacity in units of 1024 sectors.
const MinSectors = 1024

var (
	errImageTooSmall  = &kernel.Error{Module: "sdsim", Message: "image is smaller than 1024 sectors"}
	errImageLocked    = &kernel.Error{Module: "sdsim", Message: "image is in use by another card"}
	errOutOfRange     = &kernel.Error{Module: "sdsim", Message: "sector out of range"}
	errImageNotOpened = &kernel.Error{Module: "sdsim", Message: "image is closed"}
)

// Storage is the medium behind an emulated card.
type Storage interface {
	io.ReaderAt
	io.WriterAt

	// Sectors returns the storage size in 512-byte sectors.
	Sectors() uint32
}

// MemoryImage is a Storage kept in memory.
type MemoryImage struct {
	data []byte
}

// NewMemoryImage allocates a zero-filled image with the supplied number of
// sectors.
func NewMemoryImage(sectors uint32) (*MemoryImage, *kernel.Error) {
	if sectors < MinSectors {
		return nil, errImageTooSmall
	}
	return &MemoryImage{data: make([]byte, int(sectors)*sdcard.SectorSize)}, nil
}

// Sectors implements Storage.
func (m *MemoryImage) Sectors() uint32 {
	return uint32(len(m.data) / sdcard.SectorSize)
}

// ReadAt implements io.ReaderAt.
func (m *MemoryImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *MemoryImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errOutOfRange
	}
	return copy(m.data[off:], p), nil
}

// FileImage is a Storage backed by a disk image file. The file is locked
// for exclusive use while the image is open so that a card has a single
// owner.
type FileImage struct {
	f       *os.File
	sectors uint32
}

// OpenImage opens and locks an existing disk image.
func OpenImage(path string) (*FileImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err = lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	return newFileImage(f)
}

// CreateImage creates (or truncates) a zero-filled disk image with the
// supplied number of sectors, then opens and locks it. An image locked by
// another card is left untouched.
func CreateImage(path string, sectors uint32) (*FileImage, error) {
	if sectors < MinSectors {
		return nil, errImageTooSmall
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err = lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	if err = f.Truncate(0); err == nil {
		err = f.Truncate(int64(sectors) * sdcard.SectorSize)
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, err
	}

	return newFileImage(f)
}

// newFileImage wraps a locked image file. The lock is released if the image
// is unusable.
func newFileImage(f *os.File) (*FileImage, error) {
	info, err := f.Stat()
	if err == nil && info.Size()/sdcard.SectorSize < MinSectors {
		err = errImageTooSmall
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, err
	}

	return &FileImage{f: f, sectors: uint32(info.Size() / sdcard.SectorSize)}, nil
}

// Sectors implements Storage.
func (img *FileImage) Sectors() uint32 {
	return img.sectors
}

// ReadAt implements io.ReaderAt.
func (img *FileImage) ReadAt(p []byte, off int64) (int, error) {
	if img.f == nil {
		return 0, errImageNotOpened
	}
	return img.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt. Writes past the end of the image are
// rejected so the image never grows.
func (img *FileImage) WriteAt(p []byte, off int64) (int, error) {
	if img.f == nil {
		return 0, errImageNotOpened
	}
	if off < 0 || off+int64(len(p)) > int64(img.sectors)*sdcard.SectorSize {
		return 0, errOutOfRange
	}
	return img.f.WriteAt(p, off)
}

// Close releases the lock and closes the image file.
func (img *FileImage) Close() error {
	if img.f == nil {
		return errImageNotOpened
	}

	unlockFile(img.f)
	err := img.f.Close()
	img.f = nil
	return err
}
