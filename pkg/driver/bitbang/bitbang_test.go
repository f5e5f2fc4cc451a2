package bitbang

import (
	"encoding/binary"
	"testing"

	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/tap"
)

func TestBitbangQuery(t *testing.T) {
	d, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
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
}

func TestBitbangZeroSourceAlwaysZero(t *testing.T) {
	drv, err := New([]string{"-s", "zero"}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := drv.(*Driver)

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 8)
	tx := make([]byte, 4+8)
	b := hdr.Bytes()
	copy(tx, b[:])
	binary.LittleEndian.PutUint32(tx[4:8], 0) // tms = 0 (Test-Logic-Reset -> Run-Test/Idle, then stay)
	binary.LittleEndian.PutUint32(tx[8:12], 0xffffffff)

	hdrOut := make([]byte, 4)
	rx := make([]byte, 4)
	n, err := d.Xfer(tx, hdrOut, rx)
	if err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	for _, b := range rx {
		if b != 0 {
			t.Fatalf("rx = %x, want all zero", rx)
		}
	}
}

func TestBitbangLoopbackDelaysTDIByOneBit(t *testing.T) {
	drv, err := New([]string{"-s", "loopback"}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := drv.(*Driver)

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 8)
	tx := make([]byte, 4+8)
	b := hdr.Bytes()
	copy(tx, b[:])
	binary.LittleEndian.PutUint32(tx[4:8], 0)          // tms all zero
	binary.LittleEndian.PutUint32(tx[8:12], 0x00000001) // tdi bit0=1, rest 0

	hdrOut := make([]byte, 4)
	rx := make([]byte, 4)
	if _, err := d.Xfer(tx, hdrOut, rx); err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	got := binary.LittleEndian.Uint32(rx)
	// TDO is TDI delayed by one clock: bit0 of TDI shows up as bit1 of TDO.
	if got != 0x00000002 {
		t.Fatalf("rx = %#x, want 0x2", got)
	}
}

func TestBitbangResetReturnsToTestLogicReset(t *testing.T) {
	drv, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := drv.(*Driver)

	hdr := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdShift, 2)
	tx := make([]byte, 4+2)
	b := hdr.Bytes()
	copy(tx, b[:])
	tx[4] = 0xff // tms all 1s for a few clocks -> ends up in TestLogicReset anyway

	hdrOut := make([]byte, 4)
	rx := make([]byte, 1)
	if _, err := d.Xfer(tx, hdrOut, rx); err != nil {
		t.Fatalf("Xfer: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if d.State() != tap.StateTestLogicReset {
		t.Fatalf("State() = %v, want TestLogicReset", d.State())
	}
}
