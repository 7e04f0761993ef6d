// Package fsm implements the connection state machine: the table mapping
// (state, event) to action/next-state described by the protocol design.
// ProcessPDU and Timeout run with their CCB's lock already held by the
// caller (the dispatcher) and release it before returning; the
// application-event functions (ActiveOpen, PassiveOpen, Accept, Send,
// Recv, Shutdown, Close) acquire the lock themselves. All of them use
// ccb.CCB's condition variable to wake blocked callers instead of
// busy-waiting.
package fsm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"

	"github.com/rcarmo/simptcp/internal/ccb"
)

// Errors surfaced at the socket-table API boundary. Codec errors
// (BadChecksum/Truncated/BadHeader) never reach here: the dispatcher
// counts and drops them before invoking ProcessPDU.
var (
	ErrWrongState       = errors.New("fsm: operation illegal in current state")
	ErrConnectionFailed = errors.New("fsm: retransmission limit reached")
	ErrConnectionClosed = errors.New("fsm: connection closed by peer")
)

// Sink is the narrow surface fsm needs from its caller: sending a framed
// PDU on the shared datagram channel, and spawning a child CCB when a
// listener receives a SYN for a connection it doesn't know about yet.
// internal/entity implements this; fsm never imports it, to avoid a
// cycle with the package that owns the socket table.
type Sink interface {
	SendRaw(local, remote net.Addr, raw []byte) error
	SpawnChild(listener *ccb.CCB, remote net.Addr) (*ccb.CCB, error)
}

// ShutdownHow selects which half of the connection to close. Only
// ShutdownBoth is meaningful for this protocol (no half-close), kept as
// a type so callers mirror the socket API's signature.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

func newISN() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is not something this protocol can
		// recover from cleanly; 15 matches the reference source's
		// fixed ISN as a degraded fallback rather than panicking.
		return 15
	}
	return binary.BigEndian.Uint16(b[:])
}

// waitUntil blocks until done() reports true or the CCB records a
// failure, then clears and returns that failure. Must be called with
// the CCB's lock held; it returns with the lock still held.
func waitUntil(c *ccb.CCB, done func() bool) error {
	for !done() && c.FailureErr == nil {
		c.WaitForChange()
	}
	if c.FailureErr != nil {
		err := c.FailureErr
		c.FailureErr = nil
		return err
	}
	return nil
}

// fail declares the connection failed: records the error, resets the
// CCB to CLOSED, clears its timer and buffers, and wakes every blocked
// caller. Must be called with the lock held.
func fail(c *ccb.CCB, err error) {
	c.FailureErr = err
	c.State = ccb.StateClosed
	c.StopTimer()
	c.Out = ccb.Buffer{}
	c.RetransmitCount = 0
	c.Broadcast()
}

func addr16(a net.Addr) uint16 {
	if u, ok := a.(*net.UDPAddr); ok {
		return uint16(u.Port)
	}
	return 0
}
