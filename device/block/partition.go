package block

import (
	"bytes"
	"encoding/binary"
	"io"

	"eco32/kernel"
)

const (
	// PartitionTableSector is the sector holding the partition table.
	PartitionTableSector = 1

	// PartitionMagic marks a valid partition table. The last table entry
	// holds {PartitionMagic, ^PartitionMagic, PartitionMagic}.
	PartitionMagic = uint32(0xF5A5F2F9)

	// MaxPartitions is the number of usable entries in the table.
	MaxPartitions = tableEntries - 1

	tableEntries = SectorSize / entrySize
	entrySize    = 32
	descrSize    = 20
)

var (
	errNoPartitionTable   = &kernel.Error{Module: "block", Message: "no ECO32 partition table"}
	errTooManyPartitions  = &kernel.Error{Module: "block", Message: "too many partitions"}
	errPartitionOutOfDisk = &kernel.Error{Module: "block", Message: "partition extends past the end of the device"}
	errDescrTooLong       = &kernel.Error{Module: "block", Message: "partition description too long"}
)

// PartitionEntry describes one partition.
type PartitionEntry struct {
	// Number is the 1-based slot of the entry in the table.
	Number int

	Type        uint32
	Start       uint32
	Size        uint32
	Description string
}

// ParsePartitionTable decodes a partition table sector. Only entries with
// a non-zero type are returned.
func ParsePartitionTable(sector []byte) ([]PartitionEntry, *kernel.Error) {
	if len(sector) != SectorSize {
		return nil, errBufferSize
	}

	last := sector[MaxPartitions*entrySize:]
	if binary.BigEndian.Uint32(last[0:]) != PartitionMagic ||
		binary.BigEndian.Uint32(last[4:]) != ^PartitionMagic ||
		binary.BigEndian.Uint32(last[8:]) != PartitionMagic {
		return nil, errNoPartitionTable
	}

	var entries []PartitionEntry
	for i := 0; i < MaxPartitions; i++ {
		raw := sector[i*entrySize : (i+1)*entrySize]

		typ := binary.BigEndian.Uint32(raw[0:])
		if typ == 0 {
			continue
		}

		descr := raw[12 : 12+descrSize]
		if end := bytes.IndexByte(descr, 0); end >= 0 {
			descr = descr[:end]
		}

		entries = append(entries, PartitionEntry{
			Number:      i + 1,
			Type:        typ,
			Start:       binary.BigEndian.Uint32(raw[4:]),
			Size:        binary.BigEndian.Uint32(raw[8:]),
			Description: string(descr),
		})
	}

	return entries, nil
}

// EncodePartitionTable builds a partition table sector. Entries are placed
// in the slot given by their Number; entries with a zero Number take the
// next free slot.
func EncodePartitionTable(entries []PartitionEntry) ([]byte, *kernel.Error) {
	if len(entries) > MaxPartitions {
		return nil, errTooManyPartitions
	}

	var (
		sector = make([]byte, SectorSize)
		used   [MaxPartitions]bool
		next   int
	)

	for _, entry := range entries {
		if len(entry.Description) > descrSize {
			return nil, errDescrTooLong
		}

		slot := entry.Number - 1
		if entry.Number == 0 {
			for next < MaxPartitions && used[next] {
				next++
			}
			slot = next
		}

		if slot < 0 || slot >= MaxPartitions || used[slot] {
			return nil, errTooManyPartitions
		}
		used[slot] = true

		raw := sector[slot*entrySize:]
		binary.BigEndian.PutUint32(raw[0:], entry.Type)
		binary.BigEndian.PutUint32(raw[4:], entry.Start)
		binary.BigEndian.PutUint32(raw[8:], entry.Size)
		copy(raw[12:12+descrSize], entry.Description)
	}

	last := sector[MaxPartitions*entrySize:]
	binary.BigEndian.PutUint32(last[0:], PartitionMagic)
	binary.BigEndian.PutUint32(last[4:], ^PartitionMagic)
	binary.BigEndian.PutUint32(last[8:], PartitionMagic)
	return sector, nil
}

// ReadPartitions reads and decodes the partition table of d.
func ReadPartitions(d *Device) ([]PartitionEntry, error) {
	sector := make([]byte, SectorSize)
	if err := d.ReadSector(PartitionTableSector, sector); err != nil {
		return nil, err
	}

	entries, err := ParsePartitionTable(sector)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// WritePartitions encodes entries and stores them in the partition table
// sector of d.
func WritePartitions(d *Device, entries []PartitionEntry) error {
	for _, entry := range entries {
		if uint64(entry.Start)+uint64(entry.Size) > uint64(d.Sectors()) {
			return errPartitionOutOfDisk
		}
	}

	sector, err := EncodePartitionTable(entries)
	if err != nil {
		return err
	}
	return d.WriteSector(PartitionTableSector, sector)
}

// Partition gives bounded byte access to one partition of a device.
type Partition struct {
	PartitionEntry

	dev *Device
}

// OpenPartition returns a Partition for entry after checking that it fits
// on the device.
func (d *Device) OpenPartition(entry PartitionEntry) (*Partition, error) {
	if uint64(entry.Start)+uint64(entry.Size) > uint64(d.Sectors()) {
		return nil, errPartitionOutOfDisk
	}
	return &Partition{PartitionEntry: entry, dev: d}, nil
}

// Len returns the partition size in bytes.
func (p *Partition) Len() int64 {
	return int64(p.Size) * SectorSize
}

// ReadAt implements io.ReaderAt. Reads stop at the end of the partition.
func (p *Partition) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off >= p.Len() {
		return 0, io.EOF
	}

	var eof error
	if remaining := p.Len() - off; int64(len(b)) > remaining {
		b = b[:remaining]
		eof = io.EOF
	}

	n, err := p.dev.ReadAt(b, int64(p.Start)*SectorSize+off)
	if err != nil {
		return n, err
	}
	return n, eof
}

// WriteAt implements io.WriterAt. Writes that would cross the end of the
// partition are rejected.
func (p *Partition) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off+int64(len(b)) > p.Len() {
		return 0, errWritePastEnd
	}
	return p.dev.WriteAt(b, int64(p.Start)*SectorSize+off)
}
