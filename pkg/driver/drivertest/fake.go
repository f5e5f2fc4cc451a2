// Package drivertest provides a software-only driver.Driver test double so
// pkg/stream and pkg/xvc can be exercised without a socket, a device file,
// or real firmware. Mirrors a software-only simulator adapter pattern,
// adapted to the xfer() contract this bridge's drivers implement. This
// package is never
// registered with pkg/driver -- it is a test helper, not a shippable
// backend.
package drivertest

import (
	"encoding/binary"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

// Fake is a bypass-TAP driver: every shift chunk returns all-zero TDO,
// which is exactly what a single bypass register yields when TDI is also
// all zero. It can be told to fail its first FailXfers calls with a
// TimeoutErr, to exercise the stream layer's retry policy.
type Fake struct {
	WordSizeBytes uint32
	MaxBits       uint32
	PeriodNs      uint32
	FailXfers     int

	Calls      int
	ResetCalls int
}

// New returns a Fake configured with sensible defaults (4-byte words, a
// 32768-bit max vector, unknown period).
func New() *Fake {
	return &Fake{WordSizeBytes: 4, MaxBits: 32768}
}

func (f *Fake) WordSize() int {
	if f.WordSizeBytes == 0 {
		return 4
	}
	return int(f.WordSizeBytes)
}

func (f *Fake) Reset() error {
	f.ResetCalls++
	return nil
}

func (f *Fake) Close() error { return nil }

func (f *Fake) Xfer(tx, hdr, rx []byte) (int, error) {
	f.Calls++
	if f.FailXfers > 0 {
		f.FailXfers--
		return 0, xvcerr.NewTimeoutErr("drivertest: simulated timeout", nil)
	}

	h := stream.DecodeHeaderBytes(tx)
	hb := h.Bytes()
	copy(hdr, hb[:])

	switch h.Command() {
	case stream.CmdQuery:
		binary.LittleEndian.PutUint32(rx[0:4], f.WordSizeBytes)
		binary.LittleEndian.PutUint32(rx[4:8], f.MaxBits)
		binary.LittleEndian.PutUint32(rx[8:12], f.PeriodNs)
		return 12, nil
	case stream.CmdShift:
		padded := int(h.Length()) / 2
		n := padded
		if n > len(rx) {
			n = len(rx)
		}
		for i := 0; i < n; i++ {
			rx[i] = 0
		}
		return n, nil
	default:
		return 0, xvcerr.NewProtoErr("drivertest: unsupported command")
	}
}

var _ driver.Driver = (*Fake)(nil)
