// Package stream implements the JTAG-stream chunking/framing layer
// (AxisToJtag): header packing, chunked transfer with retry, and
// word-size alignment over a pkg/driver.Driver backend.
package stream

import "encoding/binary"

// ProtocolVersion is the only version this stream layer speaks. Any other
// value decoded from a header is a protocol error.
const ProtocolVersion uint8 = 0

// Command identifies the operation carried by a chunk header.
type Command uint8

const (
	// CmdShift asks the driver to clock TMS/TDI through the TAP and return
	// the captured TDO.
	CmdShift Command = 1
	// CmdQuery asks the driver to report its word size, max vector bits,
	// and achievable TCK period (or to echo back a requested period).
	CmdQuery Command = 2
)

// MaxChunkLength is the largest value the 20-bit length field can carry.
const MaxChunkLength = 1<<20 - 1

// Header is the 32-bit little-endian stream header: version in the high
// nibble, command in the next nibble, length in the low 20 bits.
type Header uint32

// EncodeHeader packs version, command, and length into a Header. version
// and command are masked to 4 bits; length is masked to 20 bits.
func EncodeHeader(version uint8, command Command, length uint32) Header {
	return Header(uint32(version&0xF)<<28 | uint32(command&0xF)<<24 | (length & MaxChunkLength))
}

// Version returns the header's version nibble.
func (h Header) Version() uint8 { return uint8(h>>28) & 0xF }

// Command returns the header's command nibble.
func (h Header) Command() Command { return Command(uint8(h>>24) & 0xF) }

// Length returns the header's 20-bit length field.
func (h Header) Length() uint32 { return uint32(h) & MaxChunkLength }

// Bytes encodes the header as 4 little-endian bytes.
func (h Header) Bytes() [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(h))
	return b
}

// DecodeHeaderBytes decodes a Header from its 4-byte little-endian wire
// representation. It panics if buf is shorter than 4 bytes -- callers own
// the buffer length contract, just like a header-sized slice on the wire.
func DecodeHeaderBytes(buf []byte) Header {
	return Header(binary.LittleEndian.Uint32(buf[:4]))
}

// HeaderSize is the wire size of a Header in bytes.
const HeaderSize = 4
