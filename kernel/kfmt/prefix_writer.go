package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Drivers use it to tag the output
// they emit during initialization (e.g. "[sdcard] ").
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// NewPrefixWriter returns a PrefixWriter that prepends prefix to every line
// written to sink.
func NewPrefixWriter(sink io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
	)

	if len(p) == 0 {
		return 0, nil
	}

	if w.bytesAfterPrefix == 0 {
		if _, err := w.Sink.Write(w.Prefix); err != nil {
			return 0, err
		}
	}

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1

		// The prefix for the next line is only emitted once we know
		// that the line has some content.
		if startIndex != len(p) {
			if _, err = w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
		}
	}

	if startIndex < len(p) {
		n, err := w.Sink.Write(p[startIndex:])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
