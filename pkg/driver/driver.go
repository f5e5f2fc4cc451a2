// Package driver holds the Driver contract and the process-wide registry
// mapping a driver name to its factory. Modeled on a repository/adapter
// shape (named lookups plus a small capability interface), generalized
// to the xfer() contract this bridge needs.
package driver

// Driver moves one framed chunk between the stream layer and firmware (or
// whatever backend a concrete implementation speaks to). tx holds the
// outbound header followed by the TMS/TDI payload for a shift chunk, or
// just the header for a query chunk. Xfer writes the inbound header to hdr
// and the inbound payload (TDO bits, or word-size/max-bits/period for a
// query reply) to rx, returning the number of bytes written to rx.
type Driver interface {
	Xfer(tx, hdr, rx []byte) (int, error)

	// WordSize reports the device word size in bytes used to pad wire
	// payloads to a whole number of words.
	WordSize() int

	// Reset notifies the driver that a fresh XVC session is beginning, so
	// it may discard any transient per-session state.
	Reset() error

	// Close releases resources the driver holds (mapped memory, open
	// files, USB handles).
	Close() error
}

// Factory constructs a Driver from residual CLI arguments (after the
// common flags are consumed) and an optional target string identifying the
// device.
type Factory func(args []string, target string) (Driver, error)
