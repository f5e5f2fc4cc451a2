// Package usbjtag is a transparent pipe backend: it bulk-writes the raw
// chunk (header plus TMS/TDI payload, or just a query header) to a
// USB-attached target's bulk-OUT endpoint and bulk-reads the reply back
// into hdr/rx, for firmware that speaks the generic stream framing
// directly over a USB endpoint pair rather than memory-mapped registers.
// Device opening and endpoint discovery are ported from a CMSIS-DAP USB
// transport (NewUSBTransport/claimInterface/findEndpoints), generalized
// from a fixed-size command/response packet shape to this bridge's
// variable-length xfer().
package usbjtag

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const (
	wordSize       = 4
	maxVectorBytes = 4096
	usbTimeout     = 5 * time.Second
)

// pipe is the USB transport surface Driver depends on. Satisfied by
// *usbEndpoints against real hardware, and by an in-process fake in tests
// so Xfer's chunking/reply-sizing logic can be exercised without a device
// attached.
type pipe interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Driver bridges the stream layer to a USB bulk pipe. Unlike the
// MMIO-backed drivers it never inspects the header itself: the firmware on
// the other end of the pipe is expected to understand the same header
// stream.Framer produces, so the whole chunk is forwarded verbatim and the
// reply is copied back split into hdr/rx exactly like pkg/driver/fifo does
// for its AXIS FIFO front end.
type Driver struct {
	p pipe
}

// New opens a USB device identified by target, formatted "<vid>:<pid>" or
// "<vid>:<pid>:<serial>" (hex VID/PID, no leading "0x"). args must be
// empty -- this driver has no tunable options of its own, and any argument
// is rejected.
func New(args []string, target string) (driver.Driver, error) {
	if len(args) > 0 {
		return nil, xvcerr.NewProtoErr("usbjtag: unknown driver option " + args[0])
	}
	vid, pid, serial, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	ep, err := openDevice(vid, pid, serial)
	if err != nil {
		return nil, err
	}
	return &Driver{p: ep}, nil
}

func newWithPipe(p pipe) *Driver {
	return &Driver{p: p}
}

func parseTarget(target string) (vid, pid gousb.ID, serial string, err error) {
	parts := strings.Split(target, ":")
	if len(parts) < 2 {
		return 0, 0, "", xvcerr.NewProtoErr("usbjtag: target must be <vid>:<pid>[:serial]")
	}
	v, verr := strconv.ParseUint(parts[0], 16, 16)
	p2, perr := strconv.ParseUint(parts[1], 16, 16)
	if verr != nil || perr != nil {
		return 0, 0, "", xvcerr.NewProtoErr("usbjtag: vid/pid must be hex, got " + target)
	}
	if len(parts) >= 3 {
		serial = parts[2]
	}
	return gousb.ID(v), gousb.ID(p2), serial, nil
}

// WordSize is fixed; the wire protocol over the USB pipe carries whole
// 32-bit words same as the MMIO backends.
func (d *Driver) WordSize() int { return wordSize }

// Reset is a no-op: the pipe carries no session state of its own, and a
// fresh stream.Framer query is enough to resynchronize the firmware side.
func (d *Driver) Reset() error { return nil }

func (d *Driver) Close() error { return d.p.Close() }

// Xfer forwards tx to the device and copies its reply back into hdr (the
// first 4 bytes) and rx (everything after), chunking the read in case the
// device replies across more than one USB transaction.
func (d *Driver) Xfer(tx, hdr, rx []byte) (int, error) {
	if _, err := d.p.Write(tx); err != nil {
		return 0, xvcerr.NewSysErr("usbjtag: write", err)
	}

	reply := make([]byte, 4+len(rx))
	total := 0
	for total < len(reply) {
		n, err := d.p.Read(reply[total:])
		if err != nil {
			return 0, xvcerr.NewSysErr("usbjtag: read", err)
		}
		if n <= 0 {
			return 0, xvcerr.NewProtoErr("usbjtag: short read from device")
		}
		total += n
	}
	copy(hdr, reply[0:4])
	n := copy(rx, reply[4:total])
	return n, nil
}

func init() {
	driver.Register("usbjtag", true, New)
}
