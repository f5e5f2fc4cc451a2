package serdes

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
	if index == sdesCsrIdx && v&sdesCsrRun != 0 {
		f.words[sdesTdoIdx] = f.words[sdesTmsIdx]
		v &^= sdesCsrBsy
	}
	if index == sdesCsrIdx && v&bbCsrTck != 0 {
		// Loopback: TDO mirrors whatever TMS was driven this edge.
		if v&bbCsrTms != 0 {
			v |= bbCsrTdo
		} else {
			v &^= bbCsrTdo
		}
	}
	f.words[index] = v
}

func newFakeRegs() *fakeRegs {
	f := &fakeRegs{}
	f.words[fifoMagicIdx] = magic
	return f
}

func TestSerdesProbeRejectsWrongMagic(t *testing.T) {
	f := &fakeRegs{}
	if _, err := newWithRegs(f, nil, false, false); err == nil {
		t.Fatal("expected error for missing firmware magic")
	}
}

func TestSerdesProbeRejectsUnsupportedVersion(t *testing.T) {
	f := newFakeRegs()
	f.words[fifoCsrIdx] = uint32(1) << fifoCsrVersShift
	if _, err := newWithRegs(f, nil, false, false); err == nil {
		t.Fatal("expected error for unsupported firmware version")
	}
}

func TestSerdesShiftOneWord(t *testing.T) {
	f := newFakeRegs()
	d, err := newWithRegs(f, nil, false, false)
	if err != nil {
		t.Fatalf("newWithRegs: %v", err)
	}
	defer d.Close()

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 8)
	tx := make([]byte, 4+8)
	b := hdr.Bytes()
	copy(tx, b[:])
	binary.LittleEndian.PutUint32(tx[4:8], 0xcafebabe)
	binary.LittleEndian.PutUint32(tx[8:12], 0)

	hdrOut := make([]byte, 4)
	rx := make([]byte, 4)

	n, err := d.Xfer(tx, hdrOut, rx)
	if err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	if got := binary.LittleEndian.Uint32(rx); got != 0xcafebabe {
		t.Fatalf("rx = %#x, want 0xcafebabe", got)
	}
}

func TestSerdesQuery(t *testing.T) {
	f := newFakeRegs()
	d, err := newWithRegs(f, nil, false, false)
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
}

func TestSerdesBitbangLoopsBackTMS(t *testing.T) {
	f := newFakeRegs()
	d, err := newWithRegs(f, nil, true, true)
	if err != nil {
		t.Fatalf("newWithRegs: %v", err)
	}
	defer d.Close()

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 2)
	tx := make([]byte, 4+2)
	b := hdr.Bytes()
	copy(tx, b[:])
	tx[4] = 0x01 // tms byte, bit0 = 1 (8 bits shifted: Length=2 means one padded byte each for TMS/TDI)
	tx[5] = 0x00 // tdi all zero

	hdrOut := make([]byte, 4)
	rx := make([]byte, 1)
	n, err := d.Xfer(tx, hdrOut, rx)
	if err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if rx[0]&0x01 == 0 {
		t.Fatalf("rx = %#x, want bit0 set (TDO loops TMS back)", rx[0])
	}
}

func TestParseArgsBitbang(t *testing.T) {
	bb, log, err := parseArgs([]string{"-b"})
	if err != nil || !bb || log {
		t.Fatalf("parseArgs(-b) = (%v, %v, %v)", bb, log, err)
	}
}

func TestParseArgsBitbangWithBSCANLog(t *testing.T) {
	bb, log, err := parseArgs([]string{"-l"})
	if err != nil || !bb || !log {
		t.Fatalf("parseArgs(-l) = (%v, %v, %v)", bb, log, err)
	}
}

func TestParseArgsRejectsUnknown(t *testing.T) {
	if _, _, err := parseArgs([]string{"-x"}); err == nil {
		t.Fatal("expected error for unknown option")
	}
}
