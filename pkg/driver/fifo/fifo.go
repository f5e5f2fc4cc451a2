// Package fifo drives the AXI-Stream JTAG FIFO front end: a push-oriented
// TX queue and a pop-oriented RX queue with occupancy/ready status bits.
// Ported from the original C++ driver's xvcDrvAxisFifo.h register layout.
package fifo

import (
	"encoding/binary"
	"os"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/mmio"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const (
	txStaIdx = 0
	txIenIdx = 1
	txRstIdx = 2
	txOccIdx = 3
	txDatIdx = 4
	txEndIdx = 5
	txSizIdx = 6

	rxStaIdx = 8
	rxIenIdx = 9
	rxRstIdx = 10
	rxOccIdx = 11
	rxDatIdx = 12
	rxCntIdx = 13
	rxSizIdx = 14

	mapWords = 16

	rstMagic  = 0xa5
	rxRdyShf  = 5
	rxRdyBit  = 1 << rxRdyShf
)

// Driver is the register-mapped AXIS FIFO backend.
type Driver struct {
	region  mmio.RegisterFile
	closer  func() error
	irqFile *os.File
	waiter  *driver.CalibratedWaiter
}

// New opens the FIFO driver against devnam (optionally "path:offset"). args
// accepts "-i <irqFile>" to wait on a UIO-style interrupt descriptor instead
// of calibrated polling.
func New(args []string, target string) (driver.Driver, error) {
	irqPath, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	region, err := mmio.Open(target, mapWords*4)
	if err != nil {
		return nil, xvcerr.NewSysErr("fifo: open", err)
	}
	return newWithRegs(region, region.Close, irqPath)
}

// newWithRegs builds a Driver over an arbitrary mmio.RegisterFile, letting
// tests substitute an in-process fake instead of a real mmap'd device file.
func newWithRegs(regs mmio.RegisterFile, closer func() error, irqPath string) (*Driver, error) {
	d := &Driver{region: regs, closer: closer, waiter: driver.NewCalibratedWaiter()}
	if irqPath != "" {
		f, err := os.OpenFile(irqPath, os.O_RDWR, 0)
		if err != nil {
			if closer != nil {
				closer()
			}
			return nil, xvcerr.NewSysErr("fifo: open irq file", err)
		}
		d.irqFile = f
	}
	if err := d.Reset(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func parseArgs(args []string) (irqPath string, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-i":
			i++
			if i >= len(args) {
				return "", xvcerr.NewProtoErr("fifo: -i requires an argument")
			}
			irqPath = args[i]
		default:
			return "", xvcerr.NewProtoErr("fifo: unknown driver option " + args[i])
		}
	}
	return irqPath, nil
}

// WordSize is fixed at 4 bytes for the AXIS FIFO front end.
func (d *Driver) WordSize() int { return 4 }

// Reset pulses the TX/RX reset registers and re-arms interrupts if enabled.
func (d *Driver) Reset() error {
	d.region.Wr(txRstIdx, rstMagic)
	d.region.Wr(rxRstIdx, rstMagic)
	if d.irqFile != nil {
		d.region.Wr(rxIenIdx, 1)
	}
	return nil
}

func (d *Driver) Close() error {
	var errFile error
	if d.irqFile != nil {
		errFile = d.irqFile.Close()
	}
	if d.closer != nil {
		if errRegion := d.closer(); errRegion != nil {
			return xvcerr.NewSysErr("fifo: close", errRegion)
		}
	}
	return errFile
}

func (d *Driver) wait() error {
	if d.irqFile != nil {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], 1)
		if _, err := d.irqFile.Write(buf[:]); err != nil {
			return xvcerr.NewSysErr("fifo: write irq descriptor", err)
		}
		if _, err := d.irqFile.Read(buf[:]); err != nil {
			return xvcerr.NewSysErr("fifo: read irq descriptor", err)
		}
		return nil
	}
	d.waiter.Wait(func() bool {
		return d.region.Rd(rxStaIdx)&rxRdyBit != 0
	})
	return nil
}

// Xfer pushes tx (byte-swapped LE->BE per 32-bit word) into the TX FIFO,
// asserts end-of-frame, waits for an RX-ready status bit, then drains the
// header followed by the payload, discarding anything beyond len(hdr)+len(rx).
func (d *Driver) Xfer(tx, hdr, rx []byte) (int, error) {
	nWords := (len(tx) + 3) / 4
	for i := 0; i < nWords; i++ {
		var w uint32
		end := 4 * (i + 1)
		if end > len(tx) {
			var buf [4]byte
			copy(buf[:], tx[4*i:])
			w = binary.LittleEndian.Uint32(buf[:])
		} else {
			w = binary.LittleEndian.Uint32(tx[4*i : end])
		}
		d.region.Wr(txDatIdx, swap32(w))
	}
	d.region.Wr(txEndIdx, 1)

	if err := d.wait(); err != nil {
		return 0, err
	}

	gotWords := int(d.region.Rd(rxCntIdx))
	if gotWords == 0 {
		return 0, xvcerr.NewProtoErr("fifo: no data received for header")
	}
	got := gotWords * 4

	for i := 0; i < len(hdr); i += 4 {
		if got < 4 {
			return 0, xvcerr.NewProtoErr("fifo: short header in reply")
		}
		w := swap32(d.region.Rd(rxDatIdx))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		copy(hdr[i:], buf[:])
		got -= 4
	}

	n := got
	if n > len(rx) {
		n = len(rx)
	}
	read := 0
	for read+4 <= n {
		w := swap32(d.region.Rd(rxDatIdx))
		binary.LittleEndian.PutUint32(rx[read:read+4], w)
		read += 4
		got -= 4
	}
	if rem := n - read; rem > 0 {
		w := swap32(d.region.Rd(rxDatIdx))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		copy(rx[read:n], buf[:rem])
		read = n
		got -= 4
	}
	for got > 0 {
		d.region.Rd(rxDatIdx)
		got -= 4
	}
	return n, nil
}

func swap32(w uint32) uint32 {
	return (w>>24)&0xff | (w>>8)&0xff00 | (w<<8)&0xff0000 | (w<<24)&0xff000000
}

func init() {
	driver.Register("fifo", true, New)
	driver.SetDefault("fifo")
}
