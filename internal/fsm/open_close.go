package fsm

import (
	"net"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/pdu"
)

// ActiveOpen implements CLOSED -> SYNSENT: the three-way handshake's
// first step. It blocks until the connection reaches ESTABLISHED or the
// retransmit limit is reached (ErrConnectionFailed); if sending the SYN
// fails, the connection is failed and that send error is returned.
func ActiveOpen(c *ccb.CCB, sink Sink, local, remote net.Addr) error {
	c.Lock()
	if c.State != ccb.StateClosed {
		c.Unlock()
		return ErrWrongState
	}

	c.Role = ccb.RoleClient
	c.LocalAddr = local
	c.RemoteAddr = remote
	c.NextSeq = newISN()
	c.NextAck = 0

	raw := pdu.Encode(addr16(local), addr16(remote), c.NextSeq, 0, pdu.FlagSYN, nil)
	c.Out = ccb.Buffer{Data: raw, Flags: pdu.FlagSYN, Seq: c.NextSeq, Valid: true}
	c.NextSeq++
	c.State = ccb.StateSynSent
	c.StartTimer(c.BaseRTO)
	c.Stats.PDUsSent++
	c.NotifyAndUnlock()

	if err := sink.SendRaw(local, remote, raw); err != nil {
		c.Lock()
		fail(c, err)
		c.Unlock()
		return err
	}

	c.Lock()
	err := waitUntil(c, func() bool { return c.State == ccb.StateEstablished })
	c.Unlock()
	return err
}

// PassiveOpen implements CLOSED -> LISTEN: allocate the accept queue and
// start accepting connections. Never blocks.
func PassiveOpen(c *ccb.CCB, local net.Addr, backlog int) error {
	c.Lock()
	defer c.Unlock()

	if c.State != ccb.StateClosed {
		return ErrWrongState
	}

	c.Role = ccb.RoleListeningServer
	c.LocalAddr = local
	c.AcceptBacklog = backlog
	c.AcceptQueue = nil
	c.State = ccb.StateListen
	c.Broadcast()
	return nil
}

// Accept implements LISTEN's accept() handler: dequeue a half-open
// child, send its SYN+ACK, and block until that child reaches
// ESTABLISHED or fails. lookup resolves a queued descriptor back to its
// CCB (the listener holds children by id, not by reference, per the
// relation-not-ownership design note).
func Accept(c *ccb.CCB, sink Sink, lookup func(id int) (*ccb.CCB, bool)) (*ccb.CCB, error) {
	c.Lock()
	if c.State != ccb.StateListen {
		c.Unlock()
		return nil, ErrWrongState
	}

	for len(c.AcceptQueue) == 0 && c.FailureErr == nil {
		c.WaitForChange()
	}
	if c.FailureErr != nil {
		err := c.FailureErr
		c.FailureErr = nil
		c.Unlock()
		return nil, err
	}

	childID := c.AcceptQueue[0]
	c.AcceptQueue = c.AcceptQueue[1:]
	c.Unlock()

	child, ok := lookup(childID)
	if !ok {
		return nil, ErrConnectionFailed
	}

	child.Lock()
	if child.State != ccb.StateSynRcvd {
		child.Unlock()
		return nil, ErrWrongState
	}

	raw := pdu.Encode(addr16(child.LocalAddr), addr16(child.RemoteAddr), child.NextSeq, child.NextAck, pdu.FlagSYN|pdu.FlagACK, nil)
	child.Out = ccb.Buffer{Data: raw, Flags: pdu.FlagSYN | pdu.FlagACK, Seq: child.NextSeq, Ack: child.NextAck, Valid: true}
	child.NextSeq++
	child.StartTimer(child.BaseRTO)
	child.Stats.PDUsSent++
	local, remote := child.LocalAddr, child.RemoteAddr
	child.NotifyAndUnlock()

	if err := sink.SendRaw(local, remote, raw); err != nil {
		child.Lock()
		fail(child, err)
		child.Unlock()
		return nil, err
	}

	child.Lock()
	err := waitUntil(child, func() bool { return child.State == ccb.StateEstablished })
	child.Unlock()
	if err != nil {
		return nil, err
	}
	return child, nil
}

// onIncomingSYN implements LISTEN's "incoming SYN with expected seq"
// transition: spawn a child CCB mirroring the peer and enqueue it,
// dropping the SYN if the accept queue is already full. The listener
// itself never leaves LISTEN.
func onIncomingSYN(c *ccb.CCB, sink Sink, remote net.Addr, in *pdu.PDU) {
	if len(c.AcceptQueue) >= c.AcceptBacklog {
		return
	}

	child, err := sink.SpawnChild(c, remote)
	if err != nil {
		return
	}

	child.Lock()
	child.Role = ccb.RoleAcceptedServer
	child.LocalAddr = c.LocalAddr
	child.RemoteAddr = remote
	child.NextAck = in.Seq + 1
	child.NextSeq = newISN()
	child.State = ccb.StateSynRcvd
	child.Stats.PDUsReceived++
	child.NotifyAndUnlock()

	c.AcceptQueue = append(c.AcceptQueue, child.ID)
}

// Shutdown implements the shutdown() event from ESTABLISHED (-> FINWAIT1)
// and from CLOSEWAIT (-> LASTACK), per the canonical transition table.
// It blocks until the full close completes (the peer's own FIN has been
// observed and the CCB reaches CLOSED) or the retransmit limit is hit.
func Shutdown(c *ccb.CCB, sink Sink, how ShutdownHow) error {
	c.Lock()
	switch c.State {
	case ccb.StateEstablished:
		sendFIN(c, ccb.StateFinWait1)
	case ccb.StateCloseWait:
		sendFIN(c, ccb.StateLastAck)
	default:
		c.Unlock()
		return ErrWrongState
	}
	local, remote, raw := c.LocalAddr, c.RemoteAddr, c.Out.Data
	c.NotifyAndUnlock()

	if err := sink.SendRaw(local, remote, raw); err != nil {
		c.Lock()
		fail(c, err)
		c.Unlock()
		return err
	}

	c.Lock()
	err := waitUntil(c, func() bool { return c.State == ccb.StateClosed && c.FailureErr == nil })
	c.Unlock()
	return err
}

// sendFIN builds and buffers the FIN PDU and moves to next. Caller
// holds the lock and is responsible for the actual network send.
func sendFIN(c *ccb.CCB, next ccb.State) {
	raw := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagFIN, nil)
	c.Out = ccb.Buffer{Data: raw, Flags: pdu.FlagFIN, Seq: c.NextSeq, Ack: c.NextAck, Valid: true}
	c.NextSeq++
	c.State = next
	c.StartTimer(c.BaseRTO)
	c.Stats.PDUsSent++
}

// Close implements close(): release the CCB's descriptor. It never
// blocks and never fails; a CCB not already in CLOSED is simply reset
// there (best-effort teardown, matching the reference source's
// close() which is a no-op once shutdown has run its course).
func Close(c *ccb.CCB) {
	c.Lock()
	c.State = ccb.StateClosed
	c.StopTimer()
	c.Out = ccb.Buffer{}
	c.In = ccb.Buffer{}
	c.RetransmitCount = 0
	c.NotifyAndUnlock()
}
