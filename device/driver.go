package device

import (
	"bytes"
	"io"
	"sort"

	"eco32/kernel"
	"eco32/kernel/kfmt"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by Probe.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeStorage specifies that the driver's probe function
	// should be executed before probing storage devices (e.g. the
	// interrupt controller or the SPI host).
	DetectOrderBeforeStorage DetectOrder = -1

	// DetectOrderStorage specifies that the driver's probe function
	// should be executed together with the other storage devices.
	DetectOrderStorage DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo pairs a probe function with the detection stage it runs in.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of driver probes that implements sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Probe executes the probe function for each driver in detection order and
// initializes the drivers that report present hardware. Init output is
// written to w with a "[name(version)] " prefix. The successfully initialized
// drivers are returned.
func Probe(driverInfoList DriverInfoList, w io.Writer) []Driver {
	var (
		strBuf        bytes.Buffer
		activeDrivers []Driver
		sorted        = append(DriverInfoList(nil), driverInfoList...)
	)

	sort.Stable(sorted)
	for _, info := range sorted {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[%s(%d.%d.%d)] ", drv.DriverName(), major, minor, patch)
		pw := kfmt.NewPrefixWriter(w, strBuf.String())

		if err := drv.DriverInit(pw); err != nil {
			kfmt.Fprintf(pw, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(pw, "initialized\n")
		activeDrivers = append(activeDrivers, drv)
	}

	return activeDrivers
}
