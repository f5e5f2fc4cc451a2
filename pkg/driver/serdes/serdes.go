// Package serdes drives a raw register-mapped JtagSerDes core without a
// FIFO front end: TMS/TDI/TDO vector registers plus a length+run+busy CSR,
// shifting one 32-bit word at a time. Ported from the original C++ driver's
// xvcDrvSerDesTmem.cc, with the toscaApi register space swapped for this
// bridge's mmio.Region. "-b"/"-l" select a bit-banging fallback that drives
// TCK/TMS/TDI one edge at a time through the same CSR instead of the
// word-wide RUN/BSY handshake, for bring-up against SerDes cores that don't
// yet support the batched path.
package serdes

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/mmio"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const (
	fifoDatIdx   = 0
	fifoMagicIdx = 1
	fifoCsrIdx   = 2

	sdesTmsIdx = 4
	sdesTdiIdx = 5
	sdesCsrIdx = 6
	sdesTdoIdx = 7

	mapWords = 8
	wordSize = 4

	fifoCsrVersMask  = 0xf0000000
	fifoCsrVersShift = 28
	supportedVers    = 0
	magic            = 0x6666aaaa

	sdesCsrRun   = 0x00000100
	sdesCsrBsy   = 0x00000200
	sdesCsrLens  = 0
	sdesCsrLensM = 0x000000ff

	// Bit-bang control bits, valid only while the word-wide RUN/BSY
	// handshake above is idle: the CSR's low byte is otherwise reserved
	// for LENS, so these stay clear of it.
	bbCsrTck = 0x00001000
	bbCsrTms = 0x00002000
	bbCsrTdi = 0x00004000
	bbCsrTdo = 0x00008000

	bbEdgeDelay = time.Microsecond

	defaultMaxWords = 512
)

// Driver is the register-mapped SerDes backend.
type Driver struct {
	region   mmio.RegisterFile
	closer   func() error
	waiter   *driver.CalibratedWaiter
	maxBytes int

	bitbang  bool
	logBSCAN bool
	log      *log.Logger
}

// New opens the driver against devnam (optionally "path:offset"), probing
// for the combined FIFO-header/SerDes firmware ID before use. args accepts
// "-b" (bit-bang fallback) and "-l" (also log the BSCAN/TDO register at
// each bit-banged level).
func New(args []string, target string) (driver.Driver, error) {
	bitbang, logBSCAN, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	region, err := mmio.Open(target, mapWords*4)
	if err != nil {
		return nil, xvcerr.NewSysErr("serdes: open", err)
	}
	return newWithRegs(region, region.Close, bitbang, logBSCAN)
}

func parseArgs(args []string) (bitbang, logBSCAN bool, err error) {
	for _, a := range args {
		switch a {
		case "-b":
			bitbang = true
		case "-l":
			bitbang = true
			logBSCAN = true
		default:
			return false, false, xvcerr.NewProtoErr("serdes: unknown driver option " + a)
		}
	}
	return bitbang, logBSCAN, nil
}

func newWithRegs(regs mmio.RegisterFile, closer func() error, bitbang, logBSCAN bool) (*Driver, error) {
	d := &Driver{
		region:   regs,
		closer:   closer,
		waiter:   driver.NewCalibratedWaiter(),
		bitbang:  bitbang,
		logBSCAN: logBSCAN,
		log:      log.Default(),
	}
	if err := d.probe(); err != nil {
		d.Close()
		return nil, err
	}
	maxWords := uint64(defaultMaxWords)
	d.maxBytes = int((maxWords - 1) * wordSize / 2)
	return d, nil
}

// probe verifies the firmware magic ID and interface version before the
// driver trusts the register layout.
func (d *Driver) probe() error {
	if got := d.region.Rd(fifoMagicIdx); got != magic {
		return xvcerr.NewProtoErr("serdes: firmware magic ID not found; wrong address space or base address")
	}
	csr := d.region.Rd(fifoCsrIdx)
	if (csr&fifoCsrVersMask)>>fifoCsrVersShift != supportedVers {
		return xvcerr.NewProtoErr("serdes: unsupported firmware interface version")
	}
	return nil
}

// WordSize is fixed at 4 bytes.
func (d *Driver) WordSize() int { return wordSize }

func (d *Driver) Reset() error { return nil }

func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	if err := d.closer(); err != nil {
		return xvcerr.NewSysErr("serdes: close", err)
	}
	return nil
}

// Xfer mirrors dbgbridge's per-word shift loop, but through the SerDes
// TMS/TDI/CSR/TDO registers: CSR carries the shift length (LENS field,
// bits-1) alongside the RUN bit, and completion is polled via the BSY bit
// rather than RUN self-clearing.
func (d *Driver) Xfer(tx, hdr, rx []byte) (int, error) {
	if len(tx) < stream.HeaderSize {
		return 0, xvcerr.NewProtoErr("serdes: short header")
	}
	h := stream.DecodeHeaderBytes(tx)
	if h.Version() != stream.ProtocolVersion {
		return 0, xvcerr.NewProtoErr("serdes: unexpected header version")
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
		return 0, xvcerr.NewProtoErr("serdes: unexpected command")
	}

	padded := int(h.Length()) / 2
	nbits := padded * 8
	if len(tx) < stream.HeaderSize+2*padded {
		return 0, xvcerr.NewProtoErr("serdes: not enough input data")
	}
	nbytes := (nbits + 7) / 8
	if nbytes > len(rx) {
		return 0, xvcerr.NewProtoErr("serdes: output buffer too small")
	}
	copy(hdr, tx[:stream.HeaderSize])

	if d.bitbang {
		d.shiftBitbang(tx[stream.HeaderSize:stream.HeaderSize+padded], tx[stream.HeaderSize+padded:stream.HeaderSize+2*padded], rx, nbits)
		return nbytes, nil
	}

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

		d.region.Wr(sdesTmsIdx, binary.LittleEndian.Uint32(tmsWord[:]))
		d.region.Wr(sdesTdiIdx, binary.LittleEndian.Uint32(tdiWord[:]))

		csr := uint32(l-1) << sdesCsrLens
		d.region.Wr(sdesCsrIdx, csr|sdesCsrRun)

		d.waiter.Wait(func() bool {
			return d.region.Rd(sdesCsrIdx)&sdesCsrBsy == 0
		})

		w := d.region.Rd(sdesTdoIdx)
		w >>= uint(32 - l)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		copy(rx[po:po+lb], buf[:lb])

		pi += 4
		po += lb
		remaining -= l
	}
	return nbytes, nil
}

// shiftBitbang drives TCK/TMS/TDI one edge at a time through the CSR's
// bit-bang control bits, for cores that don't support the batched
// RUN/BSY handshake. TDO is sampled after the rising edge settles; "-l"
// additionally logs the live CSR (the "BSCAN register") at every level.
func (d *Driver) shiftBitbang(tms, tdi, rx []byte, nbits int) {
	nbytes := (nbits + 7) / 8
	for i := 0; i < nbytes; i++ {
		rx[i] = 0
	}
	for i := 0; i < nbits; i++ {
		byteIdx := i / 8
		mask := byte(1 << uint(i%8))
		tmsBit := tms[byteIdx]&mask != 0
		tdiBit := tdi[byteIdx]&mask != 0

		ctrl := uint32(0)
		if tmsBit {
			ctrl |= bbCsrTms
		}
		if tdiBit {
			ctrl |= bbCsrTdi
		}

		d.region.Wr(sdesCsrIdx, ctrl)
		time.Sleep(bbEdgeDelay)
		d.region.Wr(sdesCsrIdx, ctrl|bbCsrTck)
		time.Sleep(bbEdgeDelay)

		csr := d.region.Rd(sdesCsrIdx)
		if d.logBSCAN {
			d.log.Printf("serdes: BSCAN[%d] = %#08x", i, csr)
		}
		if csr&bbCsrTdo != 0 {
			rx[byteIdx] |= mask
		}

		d.region.Wr(sdesCsrIdx, ctrl)
		time.Sleep(bbEdgeDelay)
	}
}

func init() {
	driver.Register("serDesTmem", true, New)
}
