package kfmt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		{
			func() { printfn("addr: 0x%08x", uint32(0xc0ffee)) },
			"addr: 0x00c0ffee",
		},
		{
			func() { printfn("%s=%d", "sectors", 2048) },
			"sectors=2048",
		},
		{
			func() { printfn("%t", true) },
			"true",
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
	}()

	SetOutputSink(nil)
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	exp := "buffered before sink"
	Printf(exp)

	if _, ok := GetOutputSink().(*ringBuffer); !ok {
		t.Fatal("expected GetOutputSink to return the early ring buffer when no sink is set")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected SetOutputSink to flush %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the installed sink")
	}
}

func TestSetOutputSinkReportsDroppedOutput(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
		earlyPrintBuffer.dropped = 0
	}()

	SetOutputSink(nil)
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
	earlyPrintBuffer.dropped = 0

	line := strings.Repeat("x", 63) + "\n"
	for i := 0; i < ringBufferSize/len(line)+2; i++ {
		Printf(line)
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	exp := fmt.Sprintf("[kfmt] early output truncated: %d bytes dropped, %d kept\n", 2*len(line)+1, ringBufferSize-1)
	if !strings.HasPrefix(buf.String(), exp) {
		t.Fatalf("expected output to start with %q; got %q", exp, buf.String())
	}

	if got := buf.Len(); got != len(exp)+ringBufferSize-1 {
		t.Fatalf("expected %d bytes of output; got %d", len(exp)+ringBufferSize-1, got)
	}

	buf.Reset()
	SetOutputSink(&buf)
	if buf.Len() != 0 {
		t.Fatalf("expected the drop note to be reported once; got %q", buf.String())
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "CMD%d -> 0x%02x", 17, 0x00)

	if exp, got := "CMD17 -> 0x00", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}
