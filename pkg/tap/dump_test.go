package tap

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

// drive walks a DumpCtx through a TMS sequence with constant tdo/tdi.
func drive(c *DumpCtx, tmsSeq []int, tdo, tdi int) {
	for _, tms := range tmsSeq {
		c.Advance(tms, tdo, tdi)
	}
}

func TestBitRegisterRoundTrip(t *testing.T) {
	r := NewBitRegister()
	bits := []int{1, 0, 1, 1, 0, 0, 1, 0}
	for _, b := range bits {
		r.AddBit(b)
	}
	if r.GetNumBits() != uint(len(bits)) {
		t.Fatalf("GetNumBits() = %d, want %d", r.GetNumBits(), len(bits))
	}
	// bits are LSB-first: 1,0,1,1,0,0,1,0 -> 0b01001101 = 0x4d
	if r.LastWord() != 0x4d {
		t.Fatalf("LastWord() = %#x, want 0x4d", r.LastWord())
	}
}

func TestBitRegisterClear(t *testing.T) {
	r := NewBitRegister()
	r.AddBit(1)
	r.AddBit(1)
	r.Clear()
	if r.GetNumBits() != 0 {
		t.Fatalf("GetNumBits() after Clear = %d, want 0", r.GetNumBits())
	}
	if r.LastWord() != 0 {
		t.Fatalf("LastWord() after Clear = %#x, want 0", r.LastWord())
	}
}

func TestDumpCtxResetAndGoToShiftDR(t *testing.T) {
	c := NewDumpCtx(nil)
	if c.State() != StateTestLogicReset {
		t.Fatalf("initial state = %v, want TestLogicReset", c.State())
	}

	// TLR -(0)-> RTI -(1)-> SelectDR -(0)-> CaptureDR -(0)-> ShiftDR
	drive(c, []int{0, 1, 0, 0}, 0, 0)
	if c.State() != StateShiftDR {
		t.Fatalf("state = %v, want ShiftDR", c.State())
	}
}

func TestDumpCtxCapturesDRBitsAndLogsUpdate(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	c := NewDumpCtx(logger)

	// Walk to ShiftDR.
	drive(c, []int{0, 1, 0, 0}, 0, 0)

	// Shift 4 bits of TDI=1, TDO=0, then exit to Update-DR. The fourth bit
	// is clocked with TMS=1, so it is shifted while leaving for Exit1-DR.
	for i := 0; i < 3; i++ {
		c.Advance(0, 0, 1)
	}
	c.Advance(1, 0, 1)
	// Exit1-DR -> Update-DR
	c.Advance(1, 0, 0)

	if c.State() != StateUpdateDR {
		t.Fatalf("state = %v, want UpdateDR", c.State())
	}
	if c.DRi().GetNumBits() != 4 {
		t.Fatalf("DRi bits = %d, want 4", c.DRi().GetNumBits())
	}
	if c.DRi().LastWord() != 0xf {
		t.Fatalf("DRi = %#x, want 0xf", c.DRi().LastWord())
	}
	if !strings.Contains(buf.String(), "UpdateDR") {
		t.Fatalf("log output missing UpdateDR line: %q", buf.String())
	}
}

func TestDumpCtxProcessBuffer(t *testing.T) {
	c := NewDumpCtx(nil)

	// TMS bits to walk TLR -> RTI -> SelectDR -> CaptureDR -> ShiftDR -> 5x shift -> Exit1DR
	// (the fifth shifted bit is the one clocked with TMS=1 that leaves Shift-DR).
	// Sequence: 0,1,0,0, 0,0,0,0, 1  (9 bits)
	tmsBits := []int{0, 1, 0, 0, 0, 0, 0, 0, 1}
	tdiBits := []int{0, 0, 0, 0, 1, 0, 1, 1, 0}
	tdoBits := []int{0, 0, 0, 0, 0, 0, 0, 0, 0}

	tms := packBits(tmsBits)
	tdi := packBits(tdiBits)
	tdo := packBits(tdoBits)

	c.ProcessBuffer(len(tmsBits), tms, tdo, tdi)
	if c.State() != StateExit1DR {
		t.Fatalf("state after ProcessBuffer = %v, want Exit1DR", c.State())
	}
	if c.DRi().GetNumBits() != 5 {
		t.Fatalf("DRi bits = %d, want 5", c.DRi().GetNumBits())
	}
}

func TestDumpCtxAdvanceUntil(t *testing.T) {
	c := NewDumpCtx(nil)

	tmsBits := []int{0, 1, 0, 0, 0, 0, 0, 0, 1, 1}
	tdiBits := make([]int, len(tmsBits))
	tdoBits := make([]int, len(tmsBits))

	tms := packBits(tmsBits)
	tdi := packBits(tdiBits)
	tdo := packBits(tdoBits)

	remaining := c.AdvanceUntil(StateShiftDR, len(tmsBits), tms, tdo, tdi)
	if c.State() != StateShiftDR {
		t.Fatalf("state = %v, want ShiftDR", c.State())
	}
	// Reached ShiftDR after 4 of the 10 bits (0,1,0,0); 6 bits left unconsumed.
	if remaining != 6 {
		t.Fatalf("remaining = %d, want 6", remaining)
	}
}

func packBits(bits []int) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
