package stream

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const (
	retryInitialBackoff = 10 * time.Millisecond
	retryMaxBackoff     = time.Second
	retryMaxRetries     = 10
)

// queryReplySize is the wire size of a query reply payload: word size (4
// bytes), max vector bits (4 bytes), TCK period in ns (4 bytes).
const queryReplySize = 12

// Tracer observes the same TMS/TDO/TDI bits a SendVectors call just shifted,
// off to the side of the xfer path. Satisfied by *tap.DumpCtx.
type Tracer interface {
	ProcessBuffer(nbits int, tms, tdo, tdi []byte)
}

// Framer is the AxisToJtag stream-framing layer: it packs headers, drives
// the chunked xfer loop with retry, and caches the handshake-time query
// reply. It is the sole caller of a driver.Driver's Xfer method.
type Framer struct {
	drv driver.Driver

	mu       sync.Mutex
	queried  bool
	wordSize int
	maxBits  uint32
	periodNs uint32
	tracer   Tracer
}

// NewFramer wraps a concrete driver with the stream-framing layer.
func NewFramer(d driver.Driver) *Framer {
	return &Framer{drv: d, wordSize: d.WordSize()}
}

// SetTracer attaches (or, given nil, detaches) a diagnostic tap that
// observes every vector SendVectors shifts, without participating in the
// xfer path itself.
func (f *Framer) SetTracer(t Tracer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracer = t
}

// WordSize returns the device word size in bytes, learned at Query time (or
// the driver's declared default before the first Query).
func (f *Framer) WordSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wordSize
}

// Query returns the maximum vector length in bits supported by the current
// device. The first call issues a real Q packet and caches the device's
// reported word size, max bits, and period; every call (cached or not)
// also tells the driver a (possibly new) connection is beginning, so it may
// discard transient per-session state.
func (f *Framer) Query(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.queried {
		ws := f.wordSize
		if ws <= 0 {
			ws = 4
		}
		tx := make([]byte, HeaderSize)
		hdr := EncodeHeader(ProtocolVersion, CmdQuery, 0)
		b := hdr.Bytes()
		copy(tx, b[:])

		hdrOut := make([]byte, HeaderSize)
		rxOut := make([]byte, queryReplySize)

		n, err := withRetry(ctx, func() (int, error) {
			return f.drv.Xfer(tx, hdrOut, rxOut)
		})
		if err != nil {
			return 0, err
		}
		replyHdr := DecodeHeaderBytes(hdrOut)
		if replyHdr.Version() != ProtocolVersion {
			return 0, xvcerr.NewProtoErr("query: unexpected header version")
		}
		if n < queryReplySize {
			return 0, xvcerr.NewProtoErr("query: short reply")
		}

		wordSize := binary.LittleEndian.Uint32(rxOut[0:4])
		maxBits := binary.LittleEndian.Uint32(rxOut[4:8])
		period := binary.LittleEndian.Uint32(rxOut[8:12])
		if wordSize == 0 {
			wordSize = uint32(ws)
		}
		f.wordSize = int(wordSize)
		f.maxBits = maxBits
		f.periodNs = period
		f.queried = true
	}

	if err := f.drv.Reset(); err != nil {
		return 0, err
	}
	return f.maxBits, nil
}

// SetPeriodNs echoes the requested TCK period (in nanoseconds) to the
// device via a query variant and returns the device's achievable period.
func (f *Framer) SetPeriodNs(ctx context.Context, requested uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := make([]byte, HeaderSize+4)
	hdr := EncodeHeader(ProtocolVersion, CmdQuery, 4)
	b := hdr.Bytes()
	copy(tx, b[:])
	binary.LittleEndian.PutUint32(tx[HeaderSize:], requested)

	hdrOut := make([]byte, HeaderSize)
	rxOut := make([]byte, queryReplySize)

	n, err := withRetry(ctx, func() (int, error) {
		return f.drv.Xfer(tx, hdrOut, rxOut)
	})
	if err != nil {
		return 0, err
	}
	replyHdr := DecodeHeaderBytes(hdrOut)
	if replyHdr.Version() != ProtocolVersion {
		return 0, xvcerr.NewProtoErr("settck: unexpected header version")
	}
	if n < queryReplySize {
		return 0, xvcerr.NewProtoErr("settck: short reply")
	}
	f.periodNs = binary.LittleEndian.Uint32(rxOut[8:12])
	return f.periodNs, nil
}

// SendVectors packs one header + TMS + TDI chunk (zero-padded to the
// driver's word size), transfers it with retry, and copies the TDO reply
// into tdoOut. bits is the number of TMS/TDI bits in this chunk; tdoOut
// must be at least ceil(bits/8) bytes.
func (f *Framer) SendVectors(ctx context.Context, bits uint32, tms, tdi, tdoOut []byte) error {
	f.mu.Lock()
	ws := f.wordSize
	f.mu.Unlock()
	if ws <= 0 {
		ws = 4
	}

	nbytes := int((bits + 7) / 8)
	nwords := (nbytes + ws - 1) / ws
	padded := nwords * ws
	if padded == 0 {
		padded = ws
	}

	tx := make([]byte, HeaderSize+2*padded)
	hdr := EncodeHeader(ProtocolVersion, CmdShift, uint32(2*padded))
	b := hdr.Bytes()
	copy(tx, b[:])
	copy(tx[HeaderSize:HeaderSize+padded], tms)
	copy(tx[HeaderSize+padded:], tdi)

	hdrOut := make([]byte, HeaderSize)
	rxOut := make([]byte, padded)

	n, err := withRetry(ctx, func() (int, error) {
		return f.drv.Xfer(tx, hdrOut, rxOut)
	})
	if err != nil {
		return err
	}

	replyHdr := DecodeHeaderBytes(hdrOut)
	if replyHdr.Version() != ProtocolVersion || replyHdr.Command() != CmdShift {
		return xvcerr.NewProtoErr("sendVectors: unexpected reply header")
	}
	if int(replyHdr.Length()) != 2*padded {
		return xvcerr.NewProtoErr("sendVectors: reply length mismatch")
	}
	if n < nbytes {
		return xvcerr.NewProtoErr("sendVectors: short TDO reply")
	}
	copy(tdoOut, rxOut[:nbytes])

	f.mu.Lock()
	tracer := f.tracer
	f.mu.Unlock()
	if tracer != nil {
		tracer.ProcessBuffer(int(bits), tms, tdoOut, tdi)
	}
	return nil
}

// withRetry runs fn, retrying on TimeoutErr with a doubling backoff
// (10ms initial, capped at 1s) up to retryMaxRetries times before
// promoting the last error to the caller. Any other error kind is returned
// immediately, unretried.
func withRetry(ctx context.Context, fn func() (int, error)) (int, error) {
	backoff := retryInitialBackoff
	var lastErr error

	for attempt := 0; attempt <= retryMaxRetries; attempt++ {
		n, err := fn()
		if err == nil {
			return n, nil
		}
		var timeout *xvcerr.TimeoutErr
		if !isTimeoutErr(err, &timeout) {
			return 0, err
		}
		lastErr = err
		if attempt == retryMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
	return 0, lastErr
}

func isTimeoutErr(err error, target **xvcerr.TimeoutErr) bool {
	te, ok := err.(*xvcerr.TimeoutErr)
	if ok {
		*target = te
	}
	return ok
}
