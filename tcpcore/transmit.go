// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"github.com/google/netstack/tcpip/header"
)

// tcpIn folds one incoming segment into a connection, advancing the state
// machine, delivering in-order payload, and queueing whatever segments the
// transition demands. It runs on the event-loop goroutine only.
func tcpIn(t *TCB, pkt *Packet) {
	flags := pkt.Hdr.Flags

	if flags&header.TCPFlagRst != 0 {
		t.logger.V(1).Info("reset by peer", "state", t.state)
		t.setState(StateClosed)
		return
	}

	switch t.state {
	case StateListen:
		handleListen(t, pkt)
	case StateSynSent:
		handleSynSent(t, pkt)
	case StateSynReceived:
		handleSynReceived(t, pkt)
	case StateEstablished:
		handleEstablished(t, pkt)
	case StateFinWait1:
		handleFinWait1(t, pkt)
	case StateFinWait2:
		handleFinWait2(t, pkt)
	case StateCloseWait:
		processAck(t, pkt)
	case StateClosing:
		handleClosing(t, pkt)
	case StateLastAck:
		handleLastAck(t, pkt)
	default:
		t.logger.V(1).Info("segment dropped", "state", t.state, "flags", flags)
	}
}

// handleListen services the first SYN of a passive open. The connection was
// just created by the manager and forced into LISTEN.
func handleListen(t *TCB, pkt *Packet) {
	if pkt.Hdr.Flags&header.TCPFlagSyn == 0 {
		t.logger.V(1).Info("non-SYN segment in LISTEN dropped")
		return
	}
	t.rcv.nxt = pkt.Hdr.SeqNum + 1
	if pkt.MSS > 0 {
		t.rcv.mss = pkt.MSS
	}
	t.snd.wnd = uint32(pkt.Hdr.WindowSize)

	iss := t.mgr.nextISN()
	t.snd.una = iss
	t.snd.nxt = iss + 1
	t.snd.lastAckNo = iss

	t.enqueueCtl(iss, header.TCPFlagSyn|header.TCPFlagAck)
	t.deferState(StateSynReceived)
	t.activate()
}

// handleSynSent completes an active open on SYN-ACK. Not exercised by the
// passive-only demo binary, but admission and the diagram both apply.
func handleSynSent(t *TCB, pkt *Packet) {
	flags := pkt.Hdr.Flags
	if flags&header.TCPFlagSyn == 0 || flags&header.TCPFlagAck == 0 {
		return
	}
	if pkt.Hdr.AckNum != t.snd.nxt {
		t.logger.V(1).Info("SYN-ACK with unexpected ack dropped", "ack", pkt.Hdr.AckNum)
		return
	}
	t.rcv.nxt = pkt.Hdr.SeqNum + 1
	if pkt.MSS > 0 {
		t.rcv.mss = pkt.MSS
	}
	t.snd.una = pkt.Hdr.AckNum
	t.snd.wnd = uint32(pkt.Hdr.WindowSize)
	t.setState(StateEstablished)
	t.initCongestionControl()
	t.enqueueAck()
	t.activate()
}

// handleSynReceived waits for the ACK that completes the three-way
// handshake, then hands the connection to its listener's acceptor queue.
func handleSynReceived(t *TCB, pkt *Packet) {
	if pkt.Hdr.Flags&header.TCPFlagAck == 0 {
		return
	}
	if pkt.Hdr.AckNum != t.snd.nxt {
		t.logger.V(1).Info("handshake ACK mismatch", "ack", pkt.Hdr.AckNum, "want", t.snd.nxt)
		return
	}
	t.snd.una = pkt.Hdr.AckNum
	t.snd.lastAckNo = pkt.Hdr.AckNum
	t.snd.wnd = uint32(pkt.Hdr.WindowSize)
	t.setState(StateEstablished)
	t.initCongestionControl()
	t.mgr.listenFinish(t)

	// the handshake ACK may already carry data
	if len(pkt.Payload) > 0 && t.state == StateEstablished {
		deliverPayload(t, pkt)
	}
}

func handleEstablished(t *TCB, pkt *Packet) {
	if pkt.Hdr.Flags&header.TCPFlagAck != 0 {
		processAck(t, pkt)
	}
	if len(pkt.Payload) > 0 {
		deliverPayload(t, pkt)
	}
	if pkt.Hdr.Flags&header.TCPFlagFin != 0 {
		t.rcv.nxt++
		t.enqueueAck()
		t.deferState(StateCloseWait)
		t.activate()
	}
}

// processAck handles the ACK half of an incoming segment: new ACKs advance
// snd.una and grow the congestion window; duplicate ACKs accumulate toward
// fast retransmit.
func processAck(t *TCB, pkt *Packet) {
	ack := pkt.Hdr.AckNum

	if seqLess(t.snd.una, ack) && seqLessOrEqual(ack, t.snd.nxt) {
		acked := ack - t.snd.una
		t.removeAckedSegments(ack)
		t.snd.una = ack
		if t.snd.bytesInFlight >= acked {
			t.snd.bytesInFlight -= acked
		} else {
			t.snd.bytesInFlight = 0
		}
		t.snd.dupacks = 0
		t.snd.lastAckNo = ack
		t.snd.wnd = uint32(pkt.Hdr.WindowSize)
		t.onAckAdvance(acked)

		// ACK freed window space; drain more of the send buffer
		if t.sendQueue.Length() > 0 && t.canSend() {
			t.activate()
		}
		return
	}

	if ack == t.snd.lastAckNo && len(pkt.Payload) == 0 && len(t.retransmitQueue) > 0 {
		t.snd.dupacks++
		switch {
		case t.snd.dupacks == dupAckThreshold:
			t.logger.V(1).Info("fast retransmit", "seq", t.snd.una, "dupacks", t.snd.dupacks)
			if t.retransmitSegment(t.snd.una) {
				t.enterFastRecovery()
				t.activate()
			}
		case t.snd.dupacks > dupAckThreshold && t.fastRecovery:
			t.inflateWindow()
		}
	}
}

// deliverPayload appends in-order data to the receive queue and acks it.
// Segments past rcv.nxt are dropped and answered with a duplicate ACK;
// there is no reassembly buffer. Segments entirely before rcv.nxt are
// retransmissions of delivered data and are re-acked without side effects.
func deliverPayload(t *TCB, pkt *Packet) {
	if pkt.Hdr.SeqNum != t.rcv.nxt {
		t.logger.V(1).Info("out-of-order segment",
			"seq", pkt.Hdr.SeqNum, "want", t.rcv.nxt, "len", len(pkt.Payload))
		t.enqueueAck()
		t.activate()
		return
	}
	if t.recvQueue.Free() < len(pkt.Payload) {
		// no room; the advertised window should have prevented this
		t.logger.Info("receive queue full, segment dropped",
			"seq", pkt.Hdr.SeqNum, "len", len(pkt.Payload))
		t.enqueueAck()
		t.activate()
		return
	}
	if _, err := t.recvQueue.Write(pkt.Payload); err != nil {
		t.logger.Error(err, "receive queue write failed")
		return
	}
	t.rcv.nxt += uint32(len(pkt.Payload))
	t.mgr.notifyReadable(t)
	t.enqueueAck()
	t.activate()
}

func handleFinWait1(t *TCB, pkt *Packet) {
	flags := pkt.Hdr.Flags
	ackedFin := false
	if flags&header.TCPFlagAck != 0 {
		if pkt.Hdr.AckNum == t.snd.nxt {
			t.snd.una = pkt.Hdr.AckNum
			ackedFin = true
		} else {
			processAck(t, pkt)
		}
	}
	if len(pkt.Payload) > 0 {
		deliverPayload(t, pkt)
	}
	if flags&header.TCPFlagFin != 0 {
		t.rcv.nxt++
		t.enqueueAck()
		if ackedFin {
			enterTimeWait(t)
		} else {
			t.deferState(StateClosing)
		}
		t.activate()
		return
	}
	if ackedFin {
		t.setState(StateFinWait2)
	}
}

func handleFinWait2(t *TCB, pkt *Packet) {
	if len(pkt.Payload) > 0 {
		deliverPayload(t, pkt)
	}
	if pkt.Hdr.Flags&header.TCPFlagFin != 0 {
		t.rcv.nxt++
		t.enqueueAck()
		enterTimeWait(t)
		t.activate()
	}
}

func handleClosing(t *TCB, pkt *Packet) {
	if pkt.Hdr.Flags&header.TCPFlagAck != 0 && pkt.Hdr.AckNum == t.snd.nxt {
		t.snd.una = pkt.Hdr.AckNum
		enterTimeWait(t)
	}
}

func handleLastAck(t *TCB, pkt *Packet) {
	if pkt.Hdr.Flags&header.TCPFlagAck != 0 && pkt.Hdr.AckNum == t.snd.nxt {
		t.snd.una = pkt.Hdr.AckNum
		t.setState(StateClosed)
	}
}

// enterTimeWait passes through TIME_WAIT with no dwell; the sweep reaps the
// connection once it is CLOSED.
func enterTimeWait(t *TCB) {
	t.setState(StateTimeWait)
	t.setState(StateClosed)
}

// StartClose begins an application-initiated close: a FIN goes out behind
// any queued data and the state machine follows the active-close half of
// the diagram.
func (t *TCB) StartClose() {
	switch t.state {
	case StateEstablished:
		t.enqueueCtl(t.snd.nxt, header.TCPFlagFin|header.TCPFlagAck)
		t.snd.nxt++
		t.deferState(StateFinWait1)
		t.activate()
	case StateCloseWait:
		t.enqueueCtl(t.snd.nxt, header.TCPFlagFin|header.TCPFlagAck)
		t.snd.nxt++
		t.deferState(StateLastAck)
		t.activate()
	}
}

// reset aborts the connection: a RST goes to the peer and the control block
// is left CLOSED for the sweep.
func (t *TCB) reset() {
	t.enqueueCtl(t.snd.nxt, header.TCPFlagRst|header.TCPFlagAck)
	t.activate()
	t.setState(StateClosed)
}

// rstFor builds the reset that rejects a segment with no connection behind
// it: endpoints swapped, sequence zero, ACK covering the whole segment.
func rstFor(pkt *Packet) *Packet {
	return &Packet{
		Remote: pkt.Remote,
		Local:  pkt.Local,
		Hdr: header.TCPFields{
			SrcPort:    pkt.Local.Port(),
			DstPort:    pkt.Remote.Port(),
			SeqNum:     0,
			AckNum:     pkt.Hdr.SeqNum + pkt.SegLen(),
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagRst | header.TCPFlagAck,
			WindowSize: 0,
		},
	}
}
