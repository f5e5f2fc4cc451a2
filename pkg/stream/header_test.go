package stream

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	for version := uint8(0); version < 16; version++ {
		for command := uint8(0); command < 16; command++ {
			lengths := []uint32{0, 1, 1023, MaxChunkLength}
			for _, length := range lengths {
				h := EncodeHeader(version, Command(command), length)
				if h.Version() != version {
					t.Fatalf("Version() = %d, want %d", h.Version(), version)
				}
				if uint8(h.Command()) != command {
					t.Fatalf("Command() = %d, want %d", h.Command(), command)
				}
				if h.Length() != length {
					t.Fatalf("Length() = %d, want %d", h.Length(), length)
				}
			}
		}
	}
}

func TestHeaderBytesRoundTrip(t *testing.T) {
	h := EncodeHeader(0, CmdShift, 1234)
	b := h.Bytes()
	got := DecodeHeaderBytes(b[:])
	if got != h {
		t.Fatalf("DecodeHeaderBytes(Bytes()) = %#x, want %#x", uint32(got), uint32(h))
	}
}

func TestHeaderLengthMasked(t *testing.T) {
	h := EncodeHeader(0, CmdShift, MaxChunkLength+100)
	want := uint32(MaxChunkLength+100) & MaxChunkLength
	if h.Length() != want {
		t.Fatalf("Length() = %d, want %d", h.Length(), want)
	}
}
