package fsm

import "github.com/rcarmo/simptcp/internal/ccb"

// Timeout implements the one timeout() transition that applies across
// every state with an active timer: retransmit the buffered PDU up to
// RetransmitLimit times, then declare the connection failed. TIMEWAIT's
// timer is the one exception — there it just marks the 1×MSL wait over
// and the connection closes, nothing is ever retransmitted there.
//
// The caller (the dispatcher's timer-scan loop) holds c's lock and
// expects it released (via NotifyAndUnlock) when this returns.
func Timeout(c *ccb.CCB, sink Sink) {
	if !c.Expired() {
		c.Unlock()
		return
	}

	if c.State == ccb.StateTimeWait {
		c.StopTimer()
		c.State = ccb.StateClosed
		c.NotifyAndUnlock()
		return
	}

	if !c.Out.Valid {
		c.StopTimer()
		c.NotifyAndUnlock()
		return
	}

	if c.RetransmitCount >= c.RetransmitLimit {
		fail(c, ErrConnectionFailed)
		c.Unlock()
		return
	}

	c.RetransmitCount++
	c.Stats.Retransmissions++
	raw, local, remote := c.Out.Data, c.LocalAddr, c.RemoteAddr
	c.StartTimer(c.BaseRTO)
	c.NotifyAndUnlock()

	_ = sink.SendRaw(local, remote, raw)
}
