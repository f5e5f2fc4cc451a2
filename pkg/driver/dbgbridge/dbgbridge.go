// Package dbgbridge drives Xilinx Vivado's AXI Debug Bridge IP: a fixed
// five-register window (length, TMS vector, TDI vector, TDO vector, CSR)
// that shifts one 32-bit word per CSR.RUN pulse. Ported from the original
// C++ driver's xvcDrvAxiDbgBridgeIP.cc.
package dbgbridge

import (
	"encoding/binary"
	"strconv"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/mmio"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const (
	lengthIdx = 0
	tmsVecIdx = 1
	tdiVecIdx = 2
	tdoVecIdx = 3
	csrIdx    = 4

	csrRun = 0x00000001

	mapWords = 5
	wordSize = 4

	defaultMaxBytes = 1024
)

// Driver is the AXI Debug Bridge IP backend. It shifts 32-bit words
// directly, bypassing the stream header entirely except to echo it back
// with the handled length, since this firmware interprets the shift
// register itself rather than a generic byte stream.
type Driver struct {
	region   mmio.RegisterFile
	closer   func() error
	waiter   *driver.CalibratedWaiter
	maxBytes int
}

// New opens the driver against devnam (optionally "path:offset"). args
// accepts "-M <maxBytes>" to override the advertised max vector size.
func New(args []string, target string) (driver.Driver, error) {
	maxBytes, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	region, err := mmio.Open(target, mapWords*4)
	if err != nil {
		return nil, xvcerr.NewSysErr("dbgbridge: open", err)
	}
	return newWithRegs(region, region.Close, maxBytes)
}

func newWithRegs(regs mmio.RegisterFile, closer func() error, maxBytes int) (*Driver, error) {
	d := &Driver{region: regs, closer: closer, waiter: driver.NewCalibratedWaiter(), maxBytes: maxBytes}
	if err := d.Reset(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func parseArgs(args []string) (int, error) {
	maxBytes := defaultMaxBytes
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-M":
			i++
			if i >= len(args) {
				return 0, xvcerr.NewProtoErr("dbgbridge: -M requires an argument")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return 0, xvcerr.NewProtoErr("dbgbridge: invalid -M value")
			}
			maxBytes = n
		default:
			return 0, xvcerr.NewProtoErr("dbgbridge: unknown driver option " + args[i])
		}
	}
	return maxBytes, nil
}

// WordSize is fixed at 4 bytes; the firmware requires the stream word size
// to match.
func (d *Driver) WordSize() int { return wordSize }

func (d *Driver) Reset() error { return nil }

func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	if err := d.closer(); err != nil {
		return xvcerr.NewSysErr("dbgbridge: close", err)
	}
	return nil
}

// Xfer expects tx laid out as header(4)+TMS(padded)+TDI(padded). A query
// command is answered directly (the firmware has no generic query
// register); a shift command is executed one 32-bit word at a time through
// the CSR.RUN handshake, polling CSR until RUN clears -- the firmware
// interprets the vector registers itself rather than a byte stream.
func (d *Driver) Xfer(tx, hdr, rx []byte) (int, error) {
	if len(tx) < stream.HeaderSize {
		return 0, xvcerr.NewProtoErr("dbgbridge: short header")
	}
	h := stream.DecodeHeaderBytes(tx)
	if h.Version() != stream.ProtocolVersion {
		return 0, xvcerr.NewProtoErr("dbgbridge: unexpected header version")
	}

	if h.Command() == stream.CmdQuery {
		reply := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdQuery, 0)
		b := reply.Bytes()
		copy(hdr, b[:])
		binary.LittleEndian.PutUint32(rx[0:4], wordSize)
		binary.LittleEndian.PutUint32(rx[4:8], uint32(d.maxBytes)*8)
		binary.LittleEndian.PutUint32(rx[8:12], 0)
		return 12, nil
	}
	if h.Command() != stream.CmdShift {
		return 0, xvcerr.NewProtoErr("dbgbridge: unexpected command")
	}

	nbits := int(h.Length()) / 2 * 8
	padded := int(h.Length()) / 2
	if len(tx) < stream.HeaderSize+2*padded {
		return 0, xvcerr.NewProtoErr("dbgbridge: not enough input data")
	}
	nbytes := (nbits + 7) / 8
	if nbytes > len(rx) {
		return 0, xvcerr.NewProtoErr("dbgbridge: output buffer too small")
	}
	copy(hdr, tx[:stream.HeaderSize])

	tmsBase := stream.HeaderSize
	tdiBase := stream.HeaderSize + padded

	pi := 0
	po := 0
	remaining := nbits
	for remaining > 0 {
		l := 32
		if remaining < 32 {
			l = remaining
		}
		lb := (l + 7) / 8

		var tmsWord, tdiWord [4]byte
		copy(tmsWord[:], tx[tmsBase+pi:])
		copy(tdiWord[:], tx[tdiBase+pi:])

		d.region.Wr(lengthIdx, uint32(l))
		d.region.Wr(tmsVecIdx, binary.LittleEndian.Uint32(tmsWord[:]))
		d.region.Wr(tdiVecIdx, binary.LittleEndian.Uint32(tdiWord[:]))

		csr := d.region.Rd(csrIdx)
		d.region.Wr(csrIdx, csr|csrRun)

		d.waiter.Wait(func() bool {
			return d.region.Rd(csrIdx)&csrRun == 0
		})

		w := d.region.Rd(tdoVecIdx)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		copy(rx[po:po+lb], buf[:lb])

		pi += 4
		po += lb
		remaining -= l
	}
	return nbytes, nil
}

func init() {
	driver.Register("axiDbgBridgeIP", true, New)
}
