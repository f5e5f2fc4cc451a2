// Package xvc is the Xilinx Virtual Cable v1.0 protocol server: it accepts
// exactly one client at a time on a TCP listener, dispatches the three wire
// commands (getinfo:, settck:, shift:) onto a stream.Framer, and rejects
// any additional connection attempt with a logged warning rather than
// queuing it. Ported from the original C++ xvcConn.cc/.h, including its
// select-based single-threaded I/O loop (accept, then block in select over
// the listening and accepted sockets so a second client can be noticed and
// turned away while the first is still being served).
package xvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"golang.org/x/sys/unix"

	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const overhead = 128

// Server listens for XVC TCP clients and serves them one at a time against
// a single stream.Framer (and, through it, a single driver.Driver).
type Server struct {
	ld        int
	port      int
	framer    *stream.Framer
	maxVecLen uint32
	log       *log.Logger
}

// Port returns the TCP port the server is bound to -- useful when Listen
// was called with port 0 to let the kernel pick an ephemeral one.
func (s *Server) Port() int { return s.port }

// Listen opens a raw TCP listening socket on port, backed directly by
// golang.org/x/sys/unix so the accepted-connection select loop below can
// multiplex the listening and client descriptors without fighting the
// net package's own (non-select-based) polling.
func Listen(port int, framer *stream.Framer, maxVecLen uint32, logger *log.Logger) (*Server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, xvcerr.NewSysErr("xvc: socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, xvcerr.NewSysErr("xvc: setsockopt SO_REUSEADDR", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, xvcerr.NewSysErr("xvc: bind", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, xvcerr.NewSysErr("xvc: listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, xvcerr.NewSysErr("xvc: getsockname", err)
	}
	actualPort := port
	if v4, ok := bound.(*unix.SockaddrInet4); ok {
		actualPort = v4.Port
	}
	return &Server{ld: fd, port: actualPort, framer: framer, maxVecLen: maxVecLen, log: logger}, nil
}

// Close shuts down the listening socket. Any connection currently being
// served is unaffected; Serve returns once that session ends.
func (s *Server) Close() error {
	if err := unix.Close(s.ld); err != nil {
		return xvcerr.NewSysErr("xvc: close listener", err)
	}
	return nil
}

// Serve accepts and serves clients one at a time until ctx is canceled or
// the listening socket fails. A driver or protocol error drops only the
// current session; Serve moves on to accept the next client.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sd, _, err := unix.Accept(s.ld)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return xvcerr.NewSysErr("xvc: accept", err)
		}
		if err := unix.SetsockoptInt(sd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(sd)
			s.log.Printf("xvc: setsockopt TCP_NODELAY: %v", err)
			continue
		}
		if err := s.serveOne(ctx, sd); err != nil {
			s.log.Printf("xvc: session ended: %v", err)
		}
		unix.Close(sd)
	}
}

// conn holds one accepted client's buffer state: a receive window with a
// spill-over area for messages split across TCP segments, and a transmit
// buffer flushed once per dispatched command.
type conn struct {
	sd, ld int
	log    *log.Logger

	rxb    []byte
	rp, rl int

	txb []byte
	tl  int
}

func (s *Server) serveOne(ctx context.Context, sd int) error {
	chunk := 2*int(s.maxVecLen) + overhead
	c := &conn{
		sd:  sd,
		ld:  s.ld,
		log: s.log,
		rxb: make([]byte, 2*chunk),
		txb: make([]byte, int(s.maxVecLen)+overhead),
	}

	// A fresh connection always starts with its own query, both to learn
	// the effective vector size and to let the driver discard per-session
	// state left over from a previous client.
	maxBits, err := s.framer.Query(context.Background())
	if err != nil {
		return err
	}
	supVecLenBytes := int(maxBits / 8)

	for {
		if ctx.Err() != nil {
			return nil
		}
		got, err := c.read(c.rxb[0:chunk])
		if err != nil {
			return err
		}
		if got <= 0 {
			return xvcerr.NewSysErr("xvc: read", io.EOF)
		}
		c.rp = 0
		c.rl = got

		for {
			if err := c.fill(2); err != nil {
				return err
			}
			prefix := c.rxb[c.rp : c.rp+2]
			var herr error
			switch {
			case bytes.Equal(prefix, []byte("ge")):
				herr = s.handleGetInfo(c)
			case bytes.Equal(prefix, []byte("se")):
				herr = s.handleSetTck(c)
			case bytes.Equal(prefix, []byte("sh")):
				herr = s.handleShift(c, supVecLenBytes)
			default:
				herr = xvcerr.NewProtoErr("xvc: unsupported message received")
			}
			if herr != nil {
				return herr
			}
			if err := c.flush(); err != nil {
				return err
			}
			if c.rl == 0 {
				break
			}
		}
	}
}

func (s *Server) handleGetInfo(c *conn) error {
	if err := c.fill(8); err != nil {
		return err
	}
	if _, err := s.framer.Query(context.Background()); err != nil {
		return err
	}
	msg := fmt.Sprintf("xvcServer_v1.0:%d\n", s.maxVecLen)
	c.tl = copy(c.txb, msg)
	c.bump(8)
	return nil
}

func (s *Server) handleSetTck(c *conn) error {
	if err := c.fill(11); err != nil {
		return err
	}
	requested := binary.LittleEndian.Uint32(c.rxb[c.rp+7 : c.rp+11])
	newPeriod, err := s.framer.SetPeriodNs(context.Background(), requested)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(c.txb[0:4], newPeriod)
	c.tl = 4
	c.bump(11)
	return nil
}

func (s *Server) handleShift(c *conn, supVecLenBytes int) error {
	if err := c.fill(10); err != nil {
		return err
	}
	bits := binary.LittleEndian.Uint32(c.rxb[c.rp+6 : c.rp+10])
	nbytes := int((bits + 7) / 8)
	if nbytes > int(s.maxVecLen) {
		return xvcerr.NewProtoErr("xvc: requested bit vector length too big")
	}
	c.bump(10)
	if err := c.fill(2 * nbytes); err != nil {
		return err
	}

	vecLen := nbytes
	if supVecLenBytes > 0 && vecLen > supVecLenBytes {
		vecLen = supVecLenBytes
	}

	tmsBase := c.rp
	tdiBase := c.rp + nbytes

	bitsLeft := bits
	off := 0
	for bitsLeft > 0 {
		bitsSent := uint32(8 * vecLen)
		if bitsLeft < bitsSent {
			bitsSent = bitsLeft
		}
		chunkBytes := int((bitsSent + 7) / 8)
		tms := c.rxb[tmsBase+off : tmsBase+off+chunkBytes]
		tdi := c.rxb[tdiBase+off : tdiBase+off+chunkBytes]
		tdoOut := c.txb[off : off+chunkBytes]
		if err := s.framer.SendVectors(context.Background(), bitsSent, tms, tdi, tdoOut); err != nil {
			return err
		}
		bitsLeft -= bitsSent
		off += vecLen
	}
	c.tl = nbytes
	c.bump(2 * nbytes)
	return nil
}

// fill reads from the client until the rx window holds n bytes from rp,
// returning immediately if that's already the case.
func (c *conn) fill(n int) error {
	if n <= c.rl {
		return nil
	}
	need := n - c.rl
	p := c.rp + c.rl
	for need > 0 {
		if p+need > len(c.rxb) {
			return xvcerr.NewProtoErr("xvc: message too large for receive buffer")
		}
		got, err := c.read(c.rxb[p : p+need])
		if err != nil {
			return err
		}
		if got <= 0 {
			return xvcerr.NewSysErr("xvc: read", io.EOF)
		}
		need -= got
		p += got
	}
	c.rl = n
	return nil
}

// bump marks n bytes as consumed, resetting to the start of rxb once the
// window is fully drained so the next fill doesn't walk off the end.
func (c *conn) bump(n int) {
	c.rp += n
	c.rl -= n
	if c.rl == 0 {
		c.rp = 0
	}
}

// flush writes the pending tx buffer to the client in full.
func (c *conn) flush() error {
	p := 0
	remaining := c.tl
	for remaining > 0 {
		n, err := unix.Write(c.sd, c.txb[p:c.tl])
		if err != nil {
			return xvcerr.NewSysErr("xvc: write", err)
		}
		if n <= 0 {
			return xvcerr.NewProtoErr("xvc: short write")
		}
		p += n
		remaining -= n
	}
	c.tl = 0
	return nil
}

// read blocks until the client socket is readable, but while waiting also
// watches the listening socket: an attempt by a second client to connect
// is accepted and immediately closed, with a warning logged, since XVC
// supports only a single client at a time.
func (c *conn) read(buf []byte) (int, error) {
	for {
		var rfds unix.FdSet
		fdSet(&rfds, c.sd)
		fdSet(&rfds, c.ld)
		nfds := c.sd
		if c.ld > nfds {
			nfds = c.ld
		}
		if err := unix.Select(nfds+1, &rfds, nil, nil, nil); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, xvcerr.NewSysErr("xvc: select", err)
		}
		if fdIsSet(&rfds, c.ld) {
			newsd, peer, aerr := unix.Accept(c.ld)
			if aerr == nil {
				c.log.Printf("WARNING: a second client (%s) tried to connect; XVC supports only one client, closing it", peerString(peer))
				unix.Close(newsd)
			}
		}
		if fdIsSet(&rfds, c.sd) {
			return unix.Read(c.sd, buf)
		}
	}
}

func peerString(sa unix.Sockaddr) string {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3], v4.Port)
	}
	return "unknown peer"
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
