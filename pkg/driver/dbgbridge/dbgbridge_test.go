package dbgbridge

import (
	"encoding/binary"
	"testing"

	"github.com/openxvc/xvcbridge/pkg/stream"
)

type fakeRegs struct {
	words [mapWords]uint32
}

func (f *fakeRegs) Rd(index uint32) uint32 { return f.words[index] }
func (f *fakeRegs) Wr(index uint32, v uint32) {
	f.words[index] = v
	if index == csrIdx && v&csrRun != 0 {
		// Simulate the IP completing the shift instantly and clearing RUN,
		// echoing TMS back as TDO so the test can check data flow.
		f.words[tdoVecIdx] = f.words[tmsVecIdx]
		f.words[csrIdx] &^= csrRun
	}
}

func TestDbgBridgeQuery(t *testing.T) {
	regs := &fakeRegs{}
	d, err := newWithRegs(regs, nil, 1024)
	if err != nil {
		t.Fatalf("newWithRegs: %v", err)
	}
	defer d.Close()

	tx := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdQuery, 0).Bytes()
	hdr := make([]byte, 4)
	rx := make([]byte, 12)

	n, err := d.Xfer(tx[:], hdr, rx)
	if err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if n != 12 {
		t.Fatalf("n = %d, want 12", n)
	}
	if ws := binary.LittleEndian.Uint32(rx[0:4]); ws != wordSize {
		t.Fatalf("wordSize = %d, want %d", ws, wordSize)
	}
	if mb := binary.LittleEndian.Uint32(rx[4:8]); mb != 1024*8 {
		t.Fatalf("max vector bits = %d, want %d", mb, 1024*8)
	}
}

func TestDbgBridgeShiftOneWord(t *testing.T) {
	regs := &fakeRegs{}
	d, err := newWithRegs(regs, nil, 1024)
	if err != nil {
		t.Fatalf("newWithRegs: %v", err)
	}
	defer d.Close()

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 8) // 2*4 bytes
	tx := make([]byte, 4+8)
	b := hdr.Bytes()
	copy(tx, b[:])
	binary.LittleEndian.PutUint32(tx[4:8], 0xdeadbeef) // tms
	binary.LittleEndian.PutUint32(tx[8:12], 0)         // tdi

	hdrOut := make([]byte, 4)
	rx := make([]byte, 4)

	n, err := d.Xfer(tx, hdrOut, rx)
	if err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	if got := binary.LittleEndian.Uint32(rx); got != 0xdeadbeef {
		t.Fatalf("rx = %#x, want 0xdeadbeef", got)
	}
}

func TestDbgBridgeWordSizeFixed(t *testing.T) {
	regs := &fakeRegs{}
	d, err := newWithRegs(regs, nil, 1024)
	if err != nil {
		t.Fatalf("newWithRegs: %v", err)
	}
	defer d.Close()
	if d.WordSize() != 4 {
		t.Fatalf("WordSize() = %d, want 4", d.WordSize())
	}
}

func TestParseArgsMaxBytes(t *testing.T) {
	n, err := parseArgs([]string{"-M", "2048"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if n != 2048 {
		t.Fatalf("maxBytes = %d, want 2048", n)
	}
}

func TestParseArgsDefault(t *testing.T) {
	n, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if n != defaultMaxBytes {
		t.Fatalf("maxBytes = %d, want %d", n, defaultMaxBytes)
	}
}
