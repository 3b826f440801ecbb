// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/netstack/tcpip/header"
	"github.com/smallnest/ringbuffer"
)

// sendState is the sender half of a connection's sequence bookkeeping,
// including the RFC 5681 congestion variables.
type sendState struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	wnd uint32 // peer advertised window

	mss      uint16
	cwnd     uint32 // congestion window, bytes
	ssthresh uint32 // slow start threshold, bytes

	dupacks       uint16
	lastAckNo     uint32
	bytesInFlight uint32 // payload bytes sent but not yet acknowledged

	// retransmission timing; carried but not consulted, loss recovery is
	// purely dup-ACK driven
	rto    time.Duration
	srtt   time.Duration
	rttvar time.Duration
}

type recvState struct {
	nxt uint32 // next in-order sequence number expected
	wnd uint32 // advertised window
	mss uint16
}

// retransmitEntry tracks one sent data segment until it is fully
// acknowledged. The entry owns its payload copy; the original segment buffer
// is consumed by the framing layer.
type retransmitEntry struct {
	seqNo           uint32
	dataLen         uint32
	data            []byte
	sentTime        time.Time
	retransmitCount uint16
}

// TCB is the per-connection control block: the state machine, the send and
// receive queues, the retransmission queue, and the congestion state. A TCB
// holds a non-owning reference back to its manager; the listener that
// spawned it is found through the manager by local endpoint.
type TCB struct {
	mgr    *TCBManager
	logger logr.Logger

	state State
	// nextState holds a transition decided during segment processing; it is
	// committed when the segment announcing it is emitted.
	nextState State

	remote netip.AddrPort
	local  netip.AddrPort

	sendQueue       *ringbuffer.RingBuffer
	recvQueue       *ringbuffer.RingBuffer
	ctlPackets      fifo[*Packet]
	retransmitQueue []retransmitEntry

	snd sendState
	rcv recvState

	fastRecovery bool
}

func newTCB(mgr *TCBManager, remote, local netip.AddrPort) *TCB {
	if !remote.IsValid() || !local.IsValid() {
		// a TCB without both endpoints is a programming bug, not a
		// protocol event
		panic("tcpcore: TCB created with empty endpoint")
	}
	t := &TCB{
		mgr:       mgr,
		logger:    mgr.logger.WithName("tcb").WithValues("remote", remote, "local", local),
		state:     StateClosed,
		nextState: StateClosed,
		remote:    remote,
		local:     local,
		sendQueue: ringbuffer.New(sendQueueSize),
		recvQueue: ringbuffer.New(recvQueueSize),
	}
	t.snd.mss = defaultMSS
	t.rcv.wnd = defaultRecvWindow
	return t
}

func (t *TCB) State() State           { return t.state }
func (t *TCB) Remote() netip.AddrPort { return t.remote }
func (t *TCB) Local() netip.AddrPort  { return t.local }

// setState applies a receive-driven transition that has no segment of its
// own to ride on (e.g. the final ACK of a handshake).
func (t *TCB) setState(s State) {
	if s != t.state {
		t.logger.V(1).Info("state transition", "from", t.state, "to", s)
	}
	t.state = s
	t.nextState = s
}

// deferState records a transition to be committed when the next segment is
// emitted.
func (t *TCB) deferState(s State) {
	t.nextState = s
}

func (t *TCB) commitState() {
	if t.nextState != t.state {
		t.logger.V(1).Info("state transition", "from", t.state, "to", t.nextState)
		t.state = t.nextState
	}
}

// activate puts the connection on the manager's ready-to-transmit queue.
func (t *TCB) activate() {
	t.mgr.activeTCBs.PushBack(t)
}

// EnqueueSend appends application bytes to the send queue and marks the
// connection active. Returns the number of bytes accepted; short when the
// queue is near capacity.
func (t *TCB) EnqueueSend(b []byte) int {
	n := t.sendQueue.Free()
	if n > len(b) {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	if _, err := t.sendQueue.Write(b[:n]); err != nil {
		return 0
	}
	t.activate()
	return n
}

// ReadOut copies buffered in-order payload out of the receive queue, up to
// len(b). Returns 0 when nothing is buffered.
func (t *TCB) ReadOut(b []byte) int {
	if t.recvQueue.IsEmpty() {
		return 0
	}
	n, err := t.recvQueue.Read(b)
	if err != nil {
		return 0
	}
	return n
}

// RecvBuffered reports the number of in-order payload bytes awaiting the
// application.
func (t *TCB) RecvBuffered() int {
	return t.recvQueue.Length()
}

// advertisedWindow is the receive window to put in outgoing segments:
// whatever space remains in the receive queue, clamped to 16 bits.
func (t *TCB) advertisedWindow() uint16 {
	free := t.recvQueue.Free()
	if free > defaultRecvWindow {
		free = defaultRecvWindow
	}
	return uint16(free)
}

// initCongestionControl resets the RFC 5681 variables on entry to
// ESTABLISHED: one segment of congestion window, 64 KB slow start threshold.
func (t *TCB) initCongestionControl() {
	t.snd.cwnd = uint32(t.snd.mss)
	t.snd.ssthresh = defaultSsthresh
	t.snd.bytesInFlight = 0
	t.fastRecovery = false
}

// canSend reports whether congestion control admits another data segment.
// cwnd == 0 means congestion control has not started; the bootstrap segment
// is always allowed.
func (t *TCB) canSend() bool {
	if t.snd.cwnd == 0 {
		return true
	}
	return t.snd.bytesInFlight < t.snd.cwnd
}

// onAckAdvance grows the congestion window for an ACK that moved snd.una
// forward by acked bytes: slow start below ssthresh, additive increase
// above it.
func (t *TCB) onAckAdvance(acked uint32) {
	if t.fastRecovery {
		// first new ACK after fast retransmit deflates the window
		t.snd.cwnd = t.snd.ssthresh
		t.fastRecovery = false
		t.logger.V(1).Info("fast recovery exit", "cwnd", t.snd.cwnd)
		return
	}
	if t.snd.cwnd == 0 {
		return
	}
	if t.snd.cwnd < t.snd.ssthresh {
		t.snd.cwnd += acked
		if t.snd.cwnd > t.snd.ssthresh {
			t.snd.cwnd = t.snd.ssthresh
		}
	} else {
		incr := uint32(t.snd.mss) * uint32(t.snd.mss) / t.snd.cwnd
		if incr < 1 {
			incr = 1
		}
		t.snd.cwnd += incr
	}
}

// onCongestionEvent handles a loss signalled by timeout: collapse to one
// segment and restart slow start.
func (t *TCB) onCongestionEvent() {
	t.snd.ssthresh = t.snd.cwnd / 2
	if t.snd.ssthresh < 2*uint32(t.snd.mss) {
		t.snd.ssthresh = 2 * uint32(t.snd.mss)
	}
	t.snd.cwnd = uint32(t.snd.mss)
	t.snd.dupacks = 0
	t.fastRecovery = false
	t.logger.V(1).Info("congestion event", "cwnd", t.snd.cwnd, "ssthresh", t.snd.ssthresh)
}

// enterFastRecovery handles the three-duplicate-ACK loss signal:
// ssthresh = max(cwnd/2, 2*MSS), cwnd = ssthresh + 3*MSS.
func (t *TCB) enterFastRecovery() {
	t.snd.ssthresh = t.snd.cwnd / 2
	if t.snd.ssthresh < 2*uint32(t.snd.mss) {
		t.snd.ssthresh = 2 * uint32(t.snd.mss)
	}
	t.snd.cwnd = t.snd.ssthresh + 3*uint32(t.snd.mss)
	t.fastRecovery = true
	t.logger.V(1).Info("fast recovery enter", "cwnd", t.snd.cwnd, "ssthresh", t.snd.ssthresh)
}

// inflateWindow accounts one more duplicate ACK while in fast recovery.
func (t *TCB) inflateWindow() {
	t.snd.cwnd += uint32(t.snd.mss)
	t.logger.V(2).Info("fast recovery inflate", "cwnd", t.snd.cwnd, "dupacks", t.snd.dupacks)
}

// trackSentSegment records a just-emitted data segment on the retransmit
// queue with its own copy of the payload, and charges it against the
// congestion window. Pure control segments are not tracked.
func (t *TCB) trackSentSegment(pkt *Packet) {
	if len(pkt.Payload) == 0 || pkt.retransmit {
		return
	}
	data := make([]byte, len(pkt.Payload))
	copy(data, pkt.Payload)
	t.retransmitQueue = append(t.retransmitQueue, retransmitEntry{
		seqNo:    pkt.Hdr.SeqNum,
		dataLen:  uint32(len(data)),
		data:     data,
		sentTime: time.Now(),
	})
	t.snd.bytesInFlight += uint32(len(data))
	t.logger.V(2).Info("tracked segment",
		"seq", pkt.Hdr.SeqNum, "len", len(data), "inflight", t.snd.bytesInFlight)
}

// removeAckedSegments drops retransmit entries wholly covered by ackNo.
func (t *TCB) removeAckedSegments(ackNo uint32) {
	i := 0
	for ; i < len(t.retransmitQueue); i++ {
		end := t.retransmitQueue[i].seqNo + t.retransmitQueue[i].dataLen
		if !seqLessOrEqual(end, ackNo) {
			break
		}
	}
	if i > 0 {
		t.logger.V(2).Info("removed acked segments", "count", i, "ack", ackNo)
		t.retransmitQueue = append(t.retransmitQueue[:0], t.retransmitQueue[i:]...)
	}
}

// retransmitSegment rebuilds the tracked segment starting at seqNo and puts
// it on the control queue so it goes out ahead of fresh data.
func (t *TCB) retransmitSegment(seqNo uint32) bool {
	for i := range t.retransmitQueue {
		entry := &t.retransmitQueue[i]
		if entry.seqNo != seqNo {
			continue
		}
		payload := make([]byte, entry.dataLen)
		copy(payload, entry.data)
		pkt := &Packet{
			Remote: t.remote,
			Local:  t.local,
			Hdr: header.TCPFields{
				SrcPort:    t.local.Port(),
				DstPort:    t.remote.Port(),
				SeqNum:     entry.seqNo,
				AckNum:     t.rcv.nxt,
				DataOffset: header.TCPMinimumSize,
				Flags:      header.TCPFlagAck,
				WindowSize: t.advertisedWindow(),
			},
			Payload:    payload,
			retransmit: true,
		}
		t.ctlPackets.PushBack(pkt)
		entry.retransmitCount++
		entry.sentTime = time.Now()
		t.logger.V(1).Info("retransmit",
			"seq", seqNo, "len", entry.dataLen, "count", entry.retransmitCount)
		return true
	}
	return false
}

// enqueueCtl puts a bare control segment (no payload) on the priority queue.
func (t *TCB) enqueueCtl(seq uint32, flags uint8) {
	t.ctlPackets.PushBack(&Packet{
		Remote: t.remote,
		Local:  t.local,
		Hdr: header.TCPFields{
			SrcPort:    t.local.Port(),
			DstPort:    t.remote.Port(),
			SeqNum:     seq,
			AckNum:     t.rcv.nxt,
			DataOffset: header.TCPMinimumSize,
			Flags:      flags,
			WindowSize: t.advertisedWindow(),
		},
	})
}

func (t *TCB) enqueueAck() {
	t.enqueueCtl(t.snd.nxt, header.TCPFlagAck)
}

// GatherPacket returns the next segment this connection wants to transmit:
// queued control segments first (RSTs, retransmissions, forced ACKs), then
// a fresh data segment if congestion control admits one. Pending state
// transitions are committed as the carrying segment is emitted.
func (t *TCB) GatherPacket() (*Packet, bool) {
	if pkt, ok := t.ctlPackets.PopFront(); ok {
		t.commitState()
		return pkt, true
	}
	if !t.canSend() {
		return nil, false
	}
	if t.sendQueue.Length() == 0 && t.nextState == t.state {
		return nil, false
	}
	return t.makePacket(), true
}

// makePacket builds a fresh segment from the send queue. Every segment
// carries an ACK of rcv.nxt and the current window.
func (t *TCB) makePacket() *Packet {
	n := t.sendQueue.Length()
	if n > int(t.snd.mss) {
		n = int(t.snd.mss)
	}
	// never overshoot the congestion window
	if t.snd.cwnd > 0 {
		if room := int(t.snd.cwnd - t.snd.bytesInFlight); n > room {
			n = room
		}
	}
	if n < 0 {
		n = 0
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := t.sendQueue.Read(payload); err != nil {
			payload = nil
			n = 0
		}
	}
	pkt := &Packet{
		Remote: t.remote,
		Local:  t.local,
		Hdr: header.TCPFields{
			SrcPort:    t.local.Port(),
			DstPort:    t.remote.Port(),
			SeqNum:     t.snd.nxt,
			AckNum:     t.rcv.nxt,
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagAck,
			WindowSize: t.advertisedWindow(),
		},
		Payload: payload,
	}
	t.snd.nxt += uint32(n)
	t.commitState()
	// more data waiting: stay on the transmit queue
	if t.sendQueue.Length() > 0 {
		t.activate()
	}
	return pkt
}
