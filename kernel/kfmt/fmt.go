// Package kfmt provides the logging facilities used by the trap glue, the
// drivers and the command line tools. Output goes to a single swappable sink;
// anything printed before a sink is installed is kept in a small ring buffer
// and replayed when SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	sinkMu sync.Mutex
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. If the buffer
// overflowed, a note with the number of lost bytes precedes the replay.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w == nil {
		return
	}

	if earlyPrintBuffer.dropped != 0 {
		fmt.Fprintf(w, "[kfmt] early output truncated: %d bytes dropped, %d kept\n", earlyPrintBuffer.dropped, earlyPrintBuffer.Len())
		earlyPrintBuffer.dropped = 0
	}
	_, _ = io.Copy(w, &earlyPrintBuffer)
}

// GetOutputSink returns the currently active output sink. If no sink has been
// installed, the early ring buffer is returned instead.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. The formatting verbs are the ones supported by fmt.Printf.
func Printf(format string, args ...interface{}) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}
	fmt.Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
