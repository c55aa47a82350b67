package main

import (
	"io"
	"os"

	"eco32/kernel/kfmt"

	"golang.org/x/term"
)

const (
	defaultDumpWidth = 16
	minDumpWidth     = 8
	maxDumpWidth     = 32

	// "%08x: " prefix, a separator and the trailing newline
	dumpOverhead = 12
)

// dumpWidth returns the number of bytes per hexdump line that fit on the
// terminal behind w. Output that is not a terminal uses the default width.
func dumpWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultDumpWidth
	}

	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return defaultDumpWidth
	}
	return widthForColumns(cols)
}

// widthForColumns returns the largest multiple of 8 bytes whose hexdump line
// (3 columns per hex byte plus 1 per ASCII byte) fits in cols.
func widthForColumns(cols int) int {
	width := (cols - dumpOverhead) / 4 &^ 7
	switch {
	case width < minDumpWidth:
		return minDumpWidth
	case width > maxDumpWidth:
		return maxDumpWidth
	}
	return width
}

// hexdump writes data as offset, hex bytes and printable characters.
func hexdump(w io.Writer, data []byte, base uint64, width int) {
	line := make([]byte, 0, 4*width+dumpOverhead)

	for off := 0; off < len(data); off += width {
		end := off + width
		if end > len(data) {
			end = len(data)
		}

		line = line[:0]
		for i := off; i < off+width; i++ {
			if i < end {
				line = append(line, hexDigits[data[i]>>4], hexDigits[data[i]&0xF], ' ')
			} else {
				line = append(line, ' ', ' ', ' ')
			}
		}

		line = append(line, '|')
		for _, b := range data[off:end] {
			if b < 0x20 || b > 0x7E {
				b = '.'
			}
			line = append(line, b)
		}
		line = append(line, '|')

		kfmt.Fprintf(w, "%08x: %s\n", base+uint64(off), line)
	}
}

const hexDigits = "0123456789abcdef"
