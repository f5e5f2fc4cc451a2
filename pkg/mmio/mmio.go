// Package mmio is the memory-mapped I/O facade: it opens a device file,
// maps a page-aligned window over a caller-requested byte range, and
// exposes word-indexed register access. Grounded on the original
// mmioHelper.h MemMap<T> template (open -> sysconf(page size) -> align ->
// mmap) and on the raw-syscall device-file feel of Daedaluz-goserial.
package mmio

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

// RegisterFile is the word-indexed read/write surface a Region provides.
// Drivers depend on this interface rather than *Region directly so unit
// tests can substitute an in-process byte-slice fake instead of a real
// device file and mmap.
type RegisterFile interface {
	Rd(index uint32) uint32
	Wr(index uint32, v uint32)
}

// Region is a mapped window of device registers, word-indexed from an
// (possibly unaligned) target offset given at Open time.
type Region struct {
	file    *os.File
	mapped  []byte
	wordOff int // byte offset of index-0 within mapped
}

// Open parses an optional ":offset" suffix from devnam, opens the device
// file read-write, aligns the offset down to a page boundary, and maps
// ceil((offset%page+size)/page)*page bytes. index 0 of the returned Region
// refers to the unaligned target offset, not the page-aligned mmap base.
func Open(devnam string, size int) (*Region, error) {
	name := devnam
	var off uint64
	if i := strings.LastIndexByte(devnam, ':'); i >= 0 {
		name = devnam[:i]
		if rest := devnam[i+1:]; rest != "" {
			v, err := strconv.ParseUint(rest, 0, 64)
			if err != nil {
				return nil, xvcerr.NewProtoErr("mmio: invalid target, expected <file>[:<offset>]")
			}
			off = v
		}
	}

	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, xvcerr.NewSysErr("open device file", err)
	}

	pgsz := uint64(os.Getpagesize())
	mapOff := off % pgsz
	base := off - mapOff
	mapSize := int(((mapOff + uint64(size) + pgsz - 1) / pgsz) * pgsz)

	data, err := unix.Mmap(int(f.Fd()), int64(base), mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xvcerr.NewSysErr("mmap device", err)
	}

	return &Region{file: f, mapped: data, wordOff: int(mapOff)}, nil
}

var _ RegisterFile = (*Region)(nil)

// Rd reads the 32-bit little-endian register at the given word index.
// Each call is a single byte-slice load through the mapped window, so the
// compiler cannot elide or coalesce it with a neighboring Rd/Wr -- this is
// the "volatile" guarantee the driver layer depends on.
func (r *Region) Rd(index uint32) uint32 {
	off := r.wordOff + int(index)*4
	return binary.LittleEndian.Uint32(r.mapped[off : off+4])
}

// Wr writes the 32-bit little-endian register at the given word index.
func (r *Region) Wr(index uint32, v uint32) {
	off := r.wordOff + int(index)*4
	binary.LittleEndian.PutUint32(r.mapped[off:off+4], v)
}

// Close unmaps then closes the device file, in that order, and is safe to
// call more than once.
func (r *Region) Close() error {
	if r.mapped == nil {
		return nil
	}
	unmapErr := unix.Munmap(r.mapped)
	r.mapped = nil
	closeErr := r.file.Close()
	if unmapErr != nil {
		return xvcerr.NewSysErr("munmap device", unmapErr)
	}
	if closeErr != nil {
		return xvcerr.NewSysErr("close device", closeErr)
	}
	return nil
}
