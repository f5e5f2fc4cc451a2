package xvc_test

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/openxvc/xvcbridge/pkg/driver/drivertest"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/xvc"
)

func startServer(t *testing.T) (*xvc.Server, func()) {
	t.Helper()
	fake := drivertest.New()
	framer := stream.NewFramer(fake)
	logger := log.New(io.Discard, "", 0)

	srv, err := xvc.Listen(0, framer, 8192, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	return srv, func() {
		cancel()
		srv.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func dial(t *testing.T, srv *xvc.Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestGetInfoReturnsVectorLength(t *testing.T) {
	srv, stop := startServer(t)
	defer stop()

	c := dial(t, srv)
	defer c.Close()

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte("getinfo:")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "xvcServer_v1.0:8192") {
		t.Fatalf("getinfo reply = %q, want prefix xvcServer_v1.0:8192", got)
	}
}

func TestSetTckEchoesAchievablePeriod(t *testing.T) {
	srv, stop := startServer(t)
	defer stop()

	c := dial(t, srv)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	msg := make([]byte, 11)
	copy(msg, "settck:")
	binary.LittleEndian.PutUint32(msg[7:], 40)
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	// drivertest.Fake defaults PeriodNs to 0.
	if got := binary.LittleEndian.Uint32(buf); got != 0 {
		t.Fatalf("settck reply = %d, want 0", got)
	}
}

func TestShiftBypassReturnsZeroTDO(t *testing.T) {
	srv, stop := startServer(t)
	defer stop()

	c := dial(t, srv)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	nbits := uint32(24)
	nbytes := int((nbits + 7) / 8)

	msg := make([]byte, 10+2*nbytes)
	copy(msg, "shift:")
	binary.LittleEndian.PutUint32(msg[6:10], nbits)
	// tms and tdi vectors left zero.
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, nbytes)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("shift reply = %x, want all zero", buf)
		}
	}
}

func TestSecondClientRejected(t *testing.T) {
	srv, stop := startServer(t)
	defer stop()

	first := dial(t, srv)
	defer first.Close()

	// Give the server a moment to be blocked in its select-based read
	// loop before the second client dials in.
	time.Sleep(50 * time.Millisecond)

	second := dial(t, srv)
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 1)
	n, err := second.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected the second client's connection to be closed immediately, got n=%d err=%v", n, err)
	}
}
