package tap

import (
	"fmt"
	"log"
)

// bitsPerWord is the width of one BitRegister word.
const bitsPerWord = 64

// BitRegister is an append-only bit sequence backed by an ordered list of
// 64-bit words plus a bit-offset cursor. Ported from jtagDump.h's
// JtagRegType: addBit/getNumBits/hex dump, grown one word at a time rather
// than pre-sized, since a captured IR/DR length is not known up front.
type BitRegister struct {
	words  []uint64
	bitPos uint
}

// NewBitRegister returns an empty register ready to accumulate bits.
func NewBitRegister() *BitRegister {
	return &BitRegister{words: []uint64{0}}
}

// AddBit appends one bit (LSB-first within each word).
func (r *BitRegister) AddBit(b int) {
	if b != 0 {
		r.words[len(r.words)-1] |= 1 << r.bitPos
	}
	r.bitPos++
	if r.bitPos >= bitsPerWord {
		r.bitPos = 0
		r.words = append(r.words, 0)
	}
}

// GetNumBits returns the number of bits captured so far.
func (r *BitRegister) GetNumBits() uint {
	return uint(len(r.words)-1)*bitsPerWord + r.bitPos
}

// Clear resets the register to empty.
func (r *BitRegister) Clear() {
	r.words = []uint64{0}
	r.bitPos = 0
}

// Hex renders the captured bits as a hexadecimal string, most-significant
// word first, matching jtagDump.h's print().
func (r *BitRegister) Hex() string {
	s := ""
	for i := len(r.words) - 1; i >= 0; i-- {
		if i == len(r.words)-1 {
			s += fmt.Sprintf("%x", r.words[i])
		} else {
			s += fmt.Sprintf("%016x", r.words[i])
		}
	}
	return s
}

// LastWord returns the low 64 bits captured, for callers that only care
// about registers no longer than one word (the common case).
func (r *BitRegister) LastWord() uint64 {
	return r.words[len(r.words)-1]
}

// DumpCtx is the optional diagnostic TAP-state observer: it advances the
// 16-state TAP automaton one bit at a time, accumulating IR or DR bits
// during the respective Shift-* states, and logs a line on entry to each
// Update-*. Ported from jtagDump.h/jtagDump.cc's JtagDumpCtx, using this
// package's State/StateMachine instead of one C++ subclass per state.
// Implements the richer of the two jtagDump.cc variants found in the
// original source: Update-DR prints the current IR alongside the captured
// DR.
type DumpCtx struct {
	state State

	dri, dro *BitRegister
	iri, iro *BitRegister

	log *log.Logger
}

// NewDumpCtx returns a tracer reset to Test-Logic-Reset, logging through l.
// If l is nil, diagnostic lines are discarded.
func NewDumpCtx(l *log.Logger) *DumpCtx {
	return &DumpCtx{
		state: StateTestLogicReset,
		dri:   NewBitRegister(),
		dro:   NewBitRegister(),
		iri:   NewBitRegister(),
		iro:   NewBitRegister(),
		log:   l,
	}
}

// State reports the tracer's current TAP state.
func (c *DumpCtx) State() State { return c.state }

// DRi / DRo / IRi / IRo expose the captured registers for callers (and
// tests) that want to inspect the values directly rather than parse the
// log line.
func (c *DumpCtx) DRi() *BitRegister { return c.dri }
func (c *DumpCtx) DRo() *BitRegister { return c.dro }
func (c *DumpCtx) IRi() *BitRegister { return c.iri }
func (c *DumpCtx) IRo() *BitRegister { return c.iro }

func (c *DumpCtx) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

// Advance clocks the TAP one bit: tms drives the state transition, tdo/tdi
// are captured while shifting through Shift-DR/Shift-IR, and a diagnostic
// line is emitted on entry to Update-DR/Update-IR.
func (c *DumpCtx) Advance(tms, tdo, tdi int) {
	switch c.state {
	case StateCaptureDR:
		c.dri.Clear()
		c.dro.Clear()
	case StateShiftDR:
		c.dro.AddBit(tdo)
		c.dri.AddBit(tdi)
	case StateCaptureIR:
		c.iri.Clear()
		c.iro.Clear()
	case StateShiftIR:
		c.iro.AddBit(tdo)
		c.iri.AddBit(tdi)
	}

	next := NextState(c.state, tms != 0)
	c.state = next

	switch next {
	case StateUpdateDR:
		bits := c.dri.GetNumBits()
		mark := ""
		if bits > bitsPerWord {
			mark = "*"
		}
		c.logf("UpdateDR: DR[IR=%x] sent: 0x%s%s, recv: 0x%s%s (total %d bits)",
			c.iro.LastWord(), mark, c.dro.Hex(), mark, c.dri.Hex(), bits)
	case StateUpdateIR:
		bits := c.iri.GetNumBits()
		mark := ""
		if bits > bitsPerWord {
			mark = "*"
		}
		c.logf("UpdateIR: sent: 0x%s%s, recv: 0x%s%s (total %d bits)",
			c.iro.Hex(), mark, c.iri.Hex(), mark, bits)
	}
}

// ProcessBuffer advances the tracer over nbits bits packed bit-little-endian
// across tms, tdo, and tdi byte slices.
func (c *DumpCtx) ProcessBuffer(nbits int, tms, tdo, tdi []byte) {
	for i := 0; i < nbits; i++ {
		byteIdx := i / 8
		mask := byte(1 << uint(i%8))
		tmsBit, tdoBit, tdiBit := 0, 0, 0
		if tms[byteIdx]&mask != 0 {
			tmsBit = 1
		}
		if tdo[byteIdx]&mask != 0 {
			tdoBit = 1
		}
		if tdi[byteIdx]&mask != 0 {
			tdiBit = 1
		}
		c.Advance(tmsBit, tdoBit, tdiBit)
	}
}

// AdvanceUntil processes up to nbits through ProcessBuffer's per-bit logic,
// stopping as soon as the tracer reaches target. It returns the number of
// bits left unprocessed, so a caller can resume stepping from a known
// boundary.
func (c *DumpCtx) AdvanceUntil(target State, nbits int, tms, tdo, tdi []byte) (remaining int) {
	for i := 0; i < nbits; i++ {
		if c.state == target {
			return nbits - i
		}
		byteIdx := i / 8
		mask := byte(1 << uint(i%8))
		tmsBit, tdoBit, tdiBit := 0, 0, 0
		if tms[byteIdx]&mask != 0 {
			tmsBit = 1
		}
		if tdo[byteIdx]&mask != 0 {
			tdoBit = 1
		}
		if tdi[byteIdx]&mask != 0 {
			tdiBit = 1
		}
		c.Advance(tmsBit, tdoBit, tdiBit)
	}
	if c.state == target {
		return 0
	}
	return 0
}
