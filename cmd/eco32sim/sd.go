package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"eco32/device"
	"eco32/device/block"
	"eco32/device/sdcard"
	"eco32/device/sdcard/buspirate"
	"eco32/device/sdcard/sim"
	"eco32/kernel"
	"eco32/kernel/kfmt"
)

var (
	errNoChannel    = &kernel.Error{Module: "eco32sim", Message: "one of -image or -bp is required"}
	errBothChannels = &kernel.Error{Module: "eco32sim", Message: "-image and -bp are mutually exclusive"}
	errNoCard       = &kernel.Error{Module: "eco32sim", Message: "SD card did not initialize"}
	errBadPartition = &kernel.Error{Module: "eco32sim", Message: "partitions are specified as type:start:size[:description]"}
)

type sdOptions struct {
	image   string
	create  uint
	bp      string
	trace   bool
	sector  uint
	count   uint
	in      string
	retries int
}

func runSD(args []string, out io.Writer) error {
	var opts sdOptions

	fs := flag.NewFlagSet("sd", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.image, "image", "", "disk image backing an emulated card")
	fs.UintVar(&opts.create, "create", 0, "create the image with this many sectors first")
	fs.StringVar(&opts.bp, "bp", "", "serial device of a Bus Pirate wired to a real card")
	fs.BoolVar(&opts.trace, "trace", false, "log every command decoded by the emulated card")
	fs.UintVar(&opts.sector, "sector", 0, "first sector for read and write")
	fs.UintVar(&opts.count, "count", 1, "number of sectors to read")
	fs.StringVar(&opts.in, "in", "", "input file for write (default: stdin)")
	fs.IntVar(&opts.retries, "retries", block.DefaultRetryLimit, "retries for failed sector transfers")
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: eco32sim sd [options] info|read|write|partitions|mkpart [type:start:size[:description]...]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	ch, closeFn, err := openChannel(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	drv, err := probeCard(ch)
	if err != nil {
		return err
	}

	dev := block.NewDevice(drv)
	dev.RetryLimit = opts.retries

	switch cmd := fs.Arg(0); cmd {
	case "info":
		return sdInfo(out, drv)
	case "read":
		return sdRead(out, dev, opts)
	case "write":
		return sdWrite(out, dev, opts)
	case "partitions":
		return sdPartitions(out, dev)
	case "mkpart":
		return sdMkpart(out, dev, fs.Args()[1:])
	default:
		return fmt.Errorf("unknown sd command %q", cmd)
	}
}

// openChannel returns the channel selected by the options and a function
// releasing it.
func openChannel(opts sdOptions) (sdcard.Channel, func(), error) {
	switch {
	case opts.image != "" && opts.bp != "":
		return nil, nil, errBothChannels
	case opts.bp != "":
		bp, err := buspirate.Open(opts.bp)
		if err != nil {
			return nil, nil, err
		}
		return bp, func() { _ = bp.Close() }, nil
	case opts.image != "":
		var (
			img *sim.FileImage
			err error
		)
		if opts.create != 0 {
			img, err = sim.CreateImage(opts.image, uint32(opts.create))
		} else {
			img, err = sim.OpenImage(opts.image)
		}
		if err != nil {
			return nil, nil, err
		}

		card, err := sim.NewCard(img)
		if err != nil {
			img.Close()
			return nil, nil, err
		}
		if opts.trace {
			card.Trace = kfmt.NewPrefixWriter(kfmt.GetOutputSink(), "[card] ")
		}
		return card, func() { _ = img.Close() }, nil
	}

	return nil, nil, errNoChannel
}

// probeCard runs the driver probe for the card behind ch and returns the
// initialized driver. If the card fails to initialize, the driver's error
// is returned.
func probeCard(ch sdcard.Channel) (*sdcard.Driver, error) {
	var (
		probe   = sdcard.ProbeFor(ch)
		probed  *sdcard.Driver
		drivers = device.DriverInfoList{
			{Order: device.DetectOrderStorage, Probe: func() device.Driver {
				drv := probe()
				probed, _ = drv.(*sdcard.Driver)
				return drv
			}},
		}
	)

	for _, drv := range device.Probe(drivers, kfmt.GetOutputSink()) {
		if sd, ok := drv.(*sdcard.Driver); ok {
			return sd, nil
		}
	}

	if probed != nil && probed.InitErr() != nil {
		return nil, probed.InitErr()
	}
	return nil, errNoCard
}

func sdInfo(out io.Writer, drv *sdcard.Driver) error {
	csd := drv.CSD()
	session := drv.Engine().Session()

	fmt.Fprintf(out, "sectors:   %d\n", drv.Sectors())
	fmt.Fprintf(out, "capacity:  %d MiB\n", drv.Sectors()>>11)
	fmt.Fprintf(out, "OCR:       %02x%02x%02x%02x\n", session.OCR[0], session.OCR[1], session.OCR[2], session.OCR[3])
	fmt.Fprintf(out, "CSD:       % x\n", csd[:])
	fmt.Fprintf(out, "CSD ver:   %d\n", csd.Structure()+1)
	fmt.Fprintf(out, "C_SIZE:    %d\n", csd.CSize())
	return nil
}

func sdRead(out io.Writer, dev *block.Device, opts sdOptions) error {
	buf := make([]byte, int(opts.count)*block.SectorSize)
	off := int64(opts.sector) * block.SectorSize

	n, err := dev.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return err
	}

	hexdump(out, buf[:n], uint64(off), dumpWidth(out))
	return nil
}

func sdWrite(out io.Writer, dev *block.Device, opts sdOptions) error {
	var (
		data []byte
		err  error
	)
	if opts.in == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(opts.in)
	}
	if err != nil {
		return err
	}

	// pad the last sector
	if rem := len(data) % block.SectorSize; rem != 0 || len(data) == 0 {
		data = append(data, make([]byte, block.SectorSize-rem)...)
	}

	if _, err = dev.WriteAt(data, int64(opts.sector)*block.SectorSize); err != nil {
		return err
	}

	fmt.Fprintf(out, "wrote %d sectors at %d (%d retries)\n", len(data)/block.SectorSize, opts.sector, dev.Retries())
	return nil
}

func sdPartitions(out io.Writer, dev *block.Device) error {
	entries, err := block.ReadPartitions(dev)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, " #  type      start       size  description\n")
	for _, entry := range entries {
		fmt.Fprintf(out, "%2d  %08x  %9d  %9d  %s\n", entry.Number, entry.Type, entry.Start, entry.Size, entry.Description)
	}
	return nil
}

func sdMkpart(out io.Writer, dev *block.Device, specs []string) error {
	entries := make([]block.PartitionEntry, 0, len(specs))
	for _, spec := range specs {
		entry, err := parsePartitionSpec(spec)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	if err := block.WritePartitions(dev, entries); err != nil {
		return err
	}
	return sdPartitions(out, dev)
}

// parsePartitionSpec decodes "type:start:size[:description]". Numbers accept
// the usual Go prefixes (0x...).
func parsePartitionSpec(spec string) (block.PartitionEntry, error) {
	var entry block.PartitionEntry

	fields := strings.SplitN(spec, ":", 4)
	if len(fields) < 3 {
		return entry, errBadPartition
	}

	var values [3]uint32
	for i := range values {
		v, err := strconv.ParseUint(fields[i], 0, 32)
		if err != nil {
			return entry, errBadPartition
		}
		values[i] = uint32(v)
	}

	entry.Type, entry.Start, entry.Size = values[0], values[1], values[2]
	if len(fields) == 4 {
		entry.Description = fields[3]
	}
	return entry, nil
}
