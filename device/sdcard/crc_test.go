package sdcard

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

func TestCRC7(t *testing.T) {
	specs := []struct {
		cmd     Command
		expByte byte
	}{
		{Command{Index: CmdGoIdleState}, 0x95},
		{Command{Index: CmdSendIfCond, Arg: 0x1AA}, 0x87},
		{Command{Index: CmdAppCmd}, 0x65},
		{Command{Index: CmdReadOCR}, 0xFD},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			frame := spec.cmd.Frame()
			if got := frame[5]; got != spec.expByte {
				t.Fatalf("expected CRC byte 0x%02x; got 0x%02x", spec.expByte, got)
			}

			if residue := CRC7Residue(frame[:]); residue != 0 {
				t.Fatalf("expected zero residue; got 0x%02x", residue)
			}
		})
	}
}

// bitwiseCRC7 shifts data through the x^7+x^3+1 register one bit at a time.
func bitwiseCRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			feedback := (crc>>6)&1 ^ (b>>uint(bit))&1
			crc = (crc << 1) & 0x7F
			if feedback != 0 {
				crc ^= 0x09
			}
		}
	}
	return crc
}

func TestCRC7AllCommands(t *testing.T) {
	rng := rand.New(rand.NewSource(0xEC032))

	args := []uint32{0, 0xFFFFFFFF, 0x1AA, 0x40000000, 0x80000001}
	for i := 0; i < 32; i++ {
		args = append(args, rng.Uint32())
	}

	for index := uint8(0); index < 64; index++ {
		for _, arg := range args {
			cmd := Command{Index: index, Arg: arg}
			frame := cmd.Frame()

			if frame[0] != 0x40|index || frame[5]&0x01 == 0 {
				t.Fatalf("CMD%d arg 0x%08x: malformed frame % x", index, arg, frame)
			}

			if exp := bitwiseCRC7(frame[:5]); frame[5]>>1 != exp {
				t.Fatalf("CMD%d arg 0x%08x: expected CRC7 0x%02x; got 0x%02x", index, arg, exp, frame[5]>>1)
			}

			if residue := CRC7Residue(frame[:]); residue != 0 {
				t.Fatalf("CMD%d arg 0x%08x: expected zero residue; got 0x%02x", index, arg, residue)
			}

			if got, ok := ParseCommand(frame); !ok || got != cmd {
				t.Fatalf("CMD%d arg 0x%08x: expected frame to parse back; got %+v (valid: %t)", index, arg, got, ok)
			}
		}
	}
}

func TestCRC7ResidueDetectsCorruption(t *testing.T) {
	frame := Command{Index: CmdReadSingleBlock, Arg: 0x1234}.Frame()

	for bit := 0; bit < 47; bit++ {
		corrupted := frame
		corrupted[bit/8] ^= 0x80 >> uint(bit%8)
		if CRC7Residue(corrupted[:]) == 0 {
			t.Errorf("bit %d: expected non-zero residue for corrupted frame", bit)
		}
	}

	if CRC7Residue(nil) != 0 {
		t.Error("expected zero residue for an empty frame")
	}
}

func TestParseCommand(t *testing.T) {
	cmd := Command{Index: CmdWriteBlock, Arg: 0xCAFEBABE}

	got, ok := ParseCommand(cmd.Frame())
	if !ok || got != cmd {
		t.Fatalf("expected %+v to round-trip; got %+v (valid: %t)", cmd, got, ok)
	}

	bad := cmd.Frame()
	bad[2] ^= 0x01
	if _, ok = ParseCommand(bad); ok {
		t.Fatal("expected corrupted frame to be rejected")
	}

	bad = cmd.Frame()
	bad[0] |= 0x80
	if _, ok = ParseCommand(bad); ok {
		t.Fatal("expected frame with invalid start bits to be rejected")
	}
}

func TestCRC16(t *testing.T) {
	specs := []struct {
		input  []byte
		expCRC uint16
	}{
		{nil, 0x0000},
		{[]byte("123456789"), 0x31C3},
		{bytes.Repeat([]byte{0xFF}, 512), 0x7FA1},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if got := CRC16(spec.input); got != spec.expCRC {
				t.Fatalf("expected CRC16 0x%04x; got 0x%04x", spec.expCRC, got)
			}
		})
	}
}

func TestCRC16DetectsSingleBitFlips(t *testing.T) {
	data := make([]byte, SectorSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	crc := CRC16(data)

	for bit := 0; bit < len(data)*8; bit += 61 {
		data[bit/8] ^= 1 << uint(bit%8)
		if CRC16(data) == crc {
			t.Errorf("bit %d: flip not detected", bit)
		}
		data[bit/8] ^= 1 << uint(bit%8)
	}
}
