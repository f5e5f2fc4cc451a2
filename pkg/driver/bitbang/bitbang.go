// Package bitbang is a software-only TAP backend: it has no target, no
// firmware, and no FPGA; it walks this bridge's tap.StateMachine in
// lock-step with the shifted TMS bits and synthesizes TDO from whichever
// source the caller selects. It exists to let the server, the stream
// framer, and the XVC protocol layer all be exercised end to end without
// real JTAG hardware, and to give -D bitbang an honest target on a
// developer's laptop. Ported from the driver skeleton (xvcDrvFoo.cc),
// generalized from a stub into a working driver.
package bitbang

import (
	"encoding/binary"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/tap"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

// TDOSource selects how Driver synthesizes TDO bits in the absence of real
// hardware.
type TDOSource int

const (
	// TDOZero always returns 0, matching a single bypass register with
	// TDI held low -- the simplest, most predictable simulated target.
	TDOZero TDOSource = iota
	// TDOLoopback echoes TDI back one bit later, simulating a one-bit
	// shift register (IR or DR) in the Shift-* states.
	TDOLoopback
	// TDOLFSR derives TDO from a self-advancing linear-feedback shift
	// register, giving each session a distinctive, non-trivial but
	// deterministic bit pattern useful for exercising the client's
	// bit-accounting logic.
	TDOLFSR
)

const (
	maxVectorBits = 1 << 16
	wordSize      = 4
	defaultPeriod = 100 // ns; arbitrary, this backend has no real clock
)

// Driver is the pure-software TAP backend.
type Driver struct {
	fsm     *tap.StateMachine
	source  TDOSource
	lfsr    uint32
	lastTDI bool
}

// New builds a bitbang driver. args accepts "-s <source>" where source is
// one of "zero", "loopback", "lfsr" (default "zero"); target is ignored
// since this driver needs none. Deliberately not "-b": that letter is
// reserved CLI-wide for the SerDes bit-bang fallback switch.
func New(args []string, target string) (driver.Driver, error) {
	source, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	d := &Driver{fsm: tap.NewStateMachine(), source: source, lfsr: 0xACE1}
	return d, nil
}

func parseArgs(args []string) (TDOSource, error) {
	source := TDOZero
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-s":
			i++
			if i >= len(args) {
				return 0, xvcerr.NewProtoErr("bitbang: -s requires an argument")
			}
			switch args[i] {
			case "zero":
				source = TDOZero
			case "loopback":
				source = TDOLoopback
			case "lfsr":
				source = TDOLFSR
			default:
				return 0, xvcerr.NewProtoErr("bitbang: unknown TDO source " + args[i])
			}
		default:
			return 0, xvcerr.NewProtoErr("bitbang: unknown driver option " + args[i])
		}
	}
	return source, nil
}

// WordSize is fixed at 4 bytes; there is no real firmware word-size
// constraint to honor.
func (d *Driver) WordSize() int { return wordSize }

// Reset returns the simulated TAP to Test-Logic-Reset, matching what a real
// target does when a fresh connection begins.
func (d *Driver) Reset() error {
	d.fsm = tap.NewStateMachine()
	return nil
}

func (d *Driver) Close() error { return nil }

// Xfer answers queries directly and, for shifts, clocks the simulated TAP
// one bit per TMS bit while synthesizing TDO from the configured source.
func (d *Driver) Xfer(tx, hdr, rx []byte) (int, error) {
	if len(tx) < stream.HeaderSize {
		return 0, xvcerr.NewProtoErr("bitbang: short header")
	}
	h := stream.DecodeHeaderBytes(tx)
	if h.Version() != stream.ProtocolVersion {
		return 0, xvcerr.NewProtoErr("bitbang: unexpected header version")
	}

	if h.Command() == stream.CmdQuery {
		reply := stream.EncodeHeader(stream.ProtocolVersion, stream.CmdQuery, 0)
		b := reply.Bytes()
		copy(hdr, b[:])
		binary.LittleEndian.PutUint32(rx[0:4], wordSize)
		binary.LittleEndian.PutUint32(rx[4:8], maxVectorBits)
		binary.LittleEndian.PutUint32(rx[8:12], defaultPeriod)
		return 12, nil
	}
	if h.Command() != stream.CmdShift {
		return 0, xvcerr.NewProtoErr("bitbang: unexpected command")
	}

	padded := int(h.Length()) / 2
	nbits := padded * 8
	if len(tx) < stream.HeaderSize+2*padded {
		return 0, xvcerr.NewProtoErr("bitbang: not enough input data")
	}
	nbytes := (nbits + 7) / 8
	if nbytes > len(rx) {
		return 0, xvcerr.NewProtoErr("bitbang: output buffer too small")
	}
	copy(hdr, tx[:stream.HeaderSize])

	tmsBuf := tx[stream.HeaderSize : stream.HeaderSize+padded]
	tdiBuf := tx[stream.HeaderSize+padded : stream.HeaderSize+2*padded]

	for i := 0; i < nbytes; i++ {
		rx[i] = 0
	}

	for i := 0; i < nbits; i++ {
		byteIdx := i / 8
		mask := byte(1 << uint(i%8))
		tms := tmsBuf[byteIdx]&mask != 0
		tdi := tdiBuf[byteIdx]&mask != 0

		tdo := d.nextTDO(tdi)
		if tdo {
			rx[byteIdx] |= mask
		}
		d.fsm.Clock(tms)
	}
	return nbytes, nil
}

func (d *Driver) nextTDO(tdi bool) bool {
	switch d.source {
	case TDOLoopback:
		out := d.lastTDI
		d.lastTDI = tdi
		return out
	case TDOLFSR:
		bit := (d.lfsr ^ (d.lfsr >> 2) ^ (d.lfsr >> 3) ^ (d.lfsr >> 5)) & 1
		d.lfsr = (d.lfsr >> 1) | (bit << 15)
		return bit != 0
	default:
		return false
	}
}

// State exposes the simulated TAP state, chiefly for tests.
func (d *Driver) State() tap.State { return d.fsm.State() }

func init() {
	driver.Register("bitbang", false, New)
}
