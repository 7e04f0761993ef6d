package fsm

import (
	"net"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/pdu"
)

// ProcessPDU is the dispatcher's entry point for an incoming, already
// validated PDU: it runs the current state's process_pdu handler. The
// caller (internal/entity) holds c's lock for the duration of this
// call and releases it (via NotifyAndUnlock, invoked here) once done.
func ProcessPDU(c *ccb.CCB, sink Sink, remote net.Addr, in *pdu.PDU) {
	c.Stats.PDUsReceived++

	switch c.State {
	case ccb.StateListen:
		handleListen(c, sink, remote, in)
	case ccb.StateSynSent:
		handleSynSent(c, sink, in)
	case ccb.StateSynRcvd:
		handleSynRcvd(c, sink, in)
	case ccb.StateEstablished:
		handleEstablished(c, sink, in)
	case ccb.StateFinWait1:
		handleFinWait1(c, sink, in)
	case ccb.StateFinWait2:
		handleFinWait2(c, sink, in)
	case ccb.StateLastAck, ccb.StateClosing:
		handleAwaitingFinalAck(c, in)
	}

	c.NotifyAndUnlock()
}

func handleListen(c *ccb.CCB, sink Sink, remote net.Addr, in *pdu.PDU) {
	if in.IsSYN() && !in.IsACK() {
		onIncomingSYN(c, sink, remote, in)
	}
}

// handleSynSent is the client side: expects SYN+ACK acknowledging our
// SYN, then completes the handshake with a final ACK.
func handleSynSent(c *ccb.CCB, sink Sink, in *pdu.PDU) {
	if in.IsSYN() && in.IsACK() {
		if in.Ack != c.NextSeq {
			return
		}
		c.NextAck = in.Seq + 1
		c.State = ccb.StateEstablished
		c.StopTimer()
		c.Out = ccb.Buffer{}
		c.RetransmitCount = 0

		raw := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagACK, nil)
		c.Stats.PDUsSent++
		sendAsync(sink, c.LocalAddr, c.RemoteAddr, raw)
		return
	}
}

// handleSynRcvd is the accepted-server-child side. Before accept() picks
// it up, c.Out is empty and there is nothing to do but ignore a
// retransmitted SYN (no SYN+ACK has been sent yet). After accept() has
// sent SYN+ACK, it waits for the peer's final ACK.
func handleSynRcvd(c *ccb.CCB, sink Sink, in *pdu.PDU) {
	if !c.Out.Valid {
		return
	}
	if in.IsACK() && !in.IsSYN() && in.Ack == c.NextSeq {
		c.State = ccb.StateEstablished
		c.StopTimer()
		c.Out = ccb.Buffer{}
		c.RetransmitCount = 0
	}
}

func handleEstablished(c *ccb.CCB, sink Sink, in *pdu.PDU) {
	switch {
	case in.Flags == pdu.FlagACK:
		if in.Ack == c.NextSeq {
			c.StopTimer()
			c.Out = ccb.Buffer{}
			c.RetransmitCount = 0
		}

	case in.Flags == 0:
		if in.Seq == c.NextAck {
			c.In = ccb.Buffer{Data: in.Payload, Seq: in.Seq, Valid: true}
			c.NextAck++
		}
		ack := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagACK, nil)
		c.Stats.PDUsSent++
		sendAsync(sink, c.LocalAddr, c.RemoteAddr, ack)

	case in.Flags == pdu.FlagFIN:
		if in.Seq == c.NextAck {
			c.NextAck++
			c.PeerClosed = true
			c.State = ccb.StateCloseWait
		}
		ack := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagACK, nil)
		c.Stats.PDUsSent++
		sendAsync(sink, c.LocalAddr, c.RemoteAddr, ack)
	}
}

// handleFinWait1 covers both the normal case (our FIN is ACKed) and
// simultaneous close (the peer's FIN arrives before our FIN is ACKed),
// which moves to CLOSING per the canonical transitions.
func handleFinWait1(c *ccb.CCB, sink Sink, in *pdu.PDU) {
	if in.Flags == pdu.FlagACK && in.Ack == c.NextSeq {
		c.StopTimer()
		c.State = ccb.StateFinWait2
		return
	}
	if in.Flags == pdu.FlagFIN && in.Seq == c.NextAck {
		c.NextAck++
		c.State = ccb.StateClosing
		ack := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagACK, nil)
		c.Stats.PDUsSent++
		sendAsync(sink, c.LocalAddr, c.RemoteAddr, ack)
	}
}

// handleFinWait2 waits for the peer's FIN; once seen, ACKs it and enters
// TIMEWAIT for one MSL before the dispatcher's timeout handler closes
// the connection.
func handleFinWait2(c *ccb.CCB, sink Sink, in *pdu.PDU) {
	if in.Flags != pdu.FlagFIN || in.Seq != c.NextAck {
		return
	}
	c.NextAck++
	ack := pdu.Encode(addr16(c.LocalAddr), addr16(c.RemoteAddr), c.NextSeq, c.NextAck, pdu.FlagACK, nil)
	c.Stats.PDUsSent++
	sendAsync(sink, c.LocalAddr, c.RemoteAddr, ack)

	c.State = ccb.StateTimeWait
	c.StartTimer(ccb.DefaultMSL)
}

// handleAwaitingFinalAck covers LASTACK and CLOSING, both of which are
// waiting for an ACK of our own outstanding FIN before closing.
func handleAwaitingFinalAck(c *ccb.CCB, in *pdu.PDU) {
	if in.Flags == pdu.FlagACK && in.Ack == c.NextSeq {
		c.StopTimer()
		c.Out = ccb.Buffer{}
		c.RetransmitCount = 0
		c.State = ccb.StateClosed
	}
}

// sendAsync fires a reply PDU without letting a transport error unwind
// into the caller's held lock; the retransmission timer covers loss of
// replies the same way it covers loss of the original.
func sendAsync(sink Sink, local, remote net.Addr, raw []byte) {
	_ = sink.SendRaw(local, remote, raw)
}
