package fsm

import (
	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/pdu"
)

// Send implements ESTABLISHED's send(data) handler: stop-and-wait means
// at most one outstanding data PDU, so Send blocks until the previous
// one (if any) has been ACKed before queuing the next, then blocks
// again until this one is ACKed or the retransmit limit is reached.
func Send(c *ccb.CCB, sink Sink, data []byte) (int, error) {
	c.Lock()
	if c.State != ccb.StateEstablished {
		c.Unlock()
		return 0, ErrWrongState
	}

	// Stop-and-wait: wait out any PDU already in flight before sending
	// the next one, so only one is ever outstanding per connection.
	if err := waitUntil(c, func() bool { return !c.Out.Valid }); err != nil {
		c.Unlock()
		return 0, err
	}
	if c.State != ccb.StateEstablished {
		c.Unlock()
		return 0, ErrWrongState
	}

	raw := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, 0, data)
	c.Out = ccb.Buffer{Data: raw, Flags: 0, Seq: c.NextSeq, Ack: c.NextAck, Valid: true}
	c.NextSeq++
	c.StartTimer(c.BaseRTO)
	c.Stats.PDUsSent++
	local, remote := c.LocalAddr, c.RemoteAddr
	c.NotifyAndUnlock()

	if err := sink.SendRaw(local, remote, raw); err != nil {
		c.Lock()
		fail(c, err)
		c.Unlock()
		return 0, err
	}

	c.Lock()
	err := waitUntil(c, func() bool { return !c.Out.Valid })
	c.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Recv implements recv(): block until an in-order data PDU has been
// buffered, the peer has sent FIN (ConnectionClosed, once the buffer is
// drained), or the connection fails. Truncates the payload to max and
// silently discards the remainder, per spec.
func Recv(c *ccb.CCB, max int) ([]byte, error) {
	c.Lock()
	defer c.Unlock()

	switch c.State {
	case ccb.StateEstablished, ccb.StateCloseWait, ccb.StateFinWait1,
		ccb.StateFinWait2, ccb.StateClosing, ccb.StateLastAck, ccb.StateTimeWait:
	default:
		return nil, ErrWrongState
	}

	for !c.In.Valid && !c.PeerClosed && c.FailureErr == nil {
		c.WaitForChange()
	}

	if c.FailureErr != nil {
		err := c.FailureErr
		c.FailureErr = nil
		return nil, err
	}

	if c.In.Valid {
		data := c.In.Data
		if len(data) > max {
			data = data[:max]
		}
		c.In = ccb.Buffer{}
		return data, nil
	}

	// c.PeerClosed and no buffered data left.
	return nil, ErrConnectionClosed
}
