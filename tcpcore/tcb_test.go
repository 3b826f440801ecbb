// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// establishedConn runs a full passive handshake and returns the resulting
// connection plus the peer's view of the sequence numbers.
func establishedConn(t *testing.T, m *TCBManager) (tcb *TCB, remote, local netip.AddrPort, peerSeq, iss uint32) {
	t.Helper()
	local = netip.MustParseAddrPort("192.168.1.1:30000")
	remote = netip.MustParseAddrPort("10.0.0.1:40001")
	m.Listen(local)
	iss = handshake(t, m, remote, local, 1000)
	peerSeq = 1001
	tcb = m.lookup(FlowKey{Remote: remote, Local: local})
	require.NotNil(t, tcb)
	require.Equal(t, StateEstablished, tcb.State())
	return tcb, remote, local, peerSeq, iss
}

func TestCongestionControlInit(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, _, _, _, _ := establishedConn(t, m)

	assert.Equal(t, uint32(tcb.snd.mss), tcb.snd.cwnd)
	assert.Equal(t, uint32(defaultSsthresh), tcb.snd.ssthresh)
	assert.Equal(t, uint32(0), tcb.snd.bytesInFlight)
	assert.False(t, tcb.fastRecovery)
}

func TestSlowStartThenCongestionAvoidance(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, remote, local, peerSeq, _ := establishedConn(t, m)

	mss := uint32(tcb.snd.mss)
	tcb.snd.ssthresh = 4 * mss

	require.Equal(t, int(8*mss), tcb.EnqueueSend(make([]byte, 8*mss)))

	// ack one full segment per round and watch the window grow
	ackSegment := func() uint32 {
		pkt, ok := m.GatherPacket()
		require.True(t, ok)
		require.Len(t, pkt.Payload, int(mss))
		ack := pkt.Hdr.SeqNum + uint32(len(pkt.Payload))
		m.Receive(ackPacket(remote, local, peerSeq, ack))
		return ack
	}

	ackSegment()
	assert.Equal(t, 2*mss, tcb.snd.cwnd)
	ackSegment()
	assert.Equal(t, 3*mss, tcb.snd.cwnd)
	ackSegment()
	assert.Equal(t, 4*mss, tcb.snd.cwnd) // reached ssthresh

	// above ssthresh growth turns additive
	ackSegment()
	assert.Equal(t, 4*mss+mss*mss/(4*mss), tcb.snd.cwnd)
}

func TestFastRetransmitOnThreeDupAcks(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, remote, local, peerSeq, _ := establishedConn(t, m)

	mss := uint32(tcb.snd.mss)
	tcb.snd.cwnd = 4 * mss

	require.Equal(t, int(4*mss), tcb.EnqueueSend(make([]byte, 4*mss)))
	segs := drainPackets(m)
	require.Len(t, segs, 4)
	for _, s := range segs {
		require.Len(t, s.Payload, int(mss))
	}
	require.Equal(t, 4*mss, tcb.snd.bytesInFlight)

	// the peer acks only the first segment
	ackS1 := segs[0].Hdr.SeqNum + mss
	m.Receive(ackPacket(remote, local, peerSeq, ackS1))
	require.Equal(t, ackS1, tcb.snd.una)
	require.Equal(t, 3*mss, tcb.snd.bytesInFlight)

	// pin the window where the scenario wants it before the loss signal
	tcb.snd.cwnd = 4 * mss

	for i := 0; i < 3; i++ {
		m.Receive(ackPacket(remote, local, peerSeq, ackS1))
	}

	// exactly one retransmission, of the segment at snd.una
	pkts := drainPackets(m)
	require.Len(t, pkts, 1)
	assert.Equal(t, ackS1, pkts[0].Hdr.SeqNum)
	assert.Len(t, pkts[0].Payload, int(mss))

	assert.Equal(t, 2*mss, tcb.snd.ssthresh)
	assert.Equal(t, tcb.snd.ssthresh+3*mss, tcb.snd.cwnd)
	assert.True(t, tcb.fastRecovery)

	// a fourth duplicate inflates the window by one segment
	m.Receive(ackPacket(remote, local, peerSeq, ackS1))
	assert.Equal(t, 2*mss+4*mss, tcb.snd.cwnd)

	// the first new ack deflates and exits recovery
	m.Receive(ackPacket(remote, local, peerSeq, tcb.snd.nxt))
	assert.Equal(t, tcb.snd.ssthresh, tcb.snd.cwnd)
	assert.False(t, tcb.fastRecovery)
	assert.Equal(t, uint16(0), tcb.snd.dupacks)
	assert.Empty(t, tcb.retransmitQueue)
	assert.Equal(t, uint32(0), tcb.snd.bytesInFlight)
}

func TestBytesInFlightInvariant(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, remote, local, peerSeq, _ := establishedConn(t, m)

	mss := uint32(tcb.snd.mss)
	tcb.snd.cwnd = 3 * mss
	tcb.EnqueueSend(make([]byte, 10*mss))

	sent := uint32(0)
	for {
		pkt, ok := m.GatherPacket()
		if !ok {
			break
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		sent += uint32(len(pkt.Payload))
		// in-flight accounting matches the sequence space and respects cwnd
		require.Equal(t, tcb.snd.nxt-tcb.snd.una, tcb.snd.bytesInFlight)
		require.LessOrEqual(t, tcb.snd.bytesInFlight, tcb.snd.cwnd)
	}
	require.Equal(t, 3*mss, sent)

	// acking everything drains the window and lets the rest go out
	m.Receive(ackPacket(remote, local, peerSeq, tcb.snd.nxt))
	require.Equal(t, uint32(0), tcb.snd.bytesInFlight)
	pkts := drainPackets(m)
	require.NotEmpty(t, pkts)
	for range pkts {
		require.Equal(t, tcb.snd.nxt-tcb.snd.una, tcb.snd.bytesInFlight)
		require.LessOrEqual(t, tcb.snd.bytesInFlight, tcb.snd.cwnd)
	}
}

func TestRetransmitQueueOrdering(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, remote, local, peerSeq, _ := establishedConn(t, m)

	mss := uint32(tcb.snd.mss)
	tcb.snd.cwnd = 8 * mss
	tcb.EnqueueSend(make([]byte, 3*mss))
	drainPackets(m)
	require.Len(t, tcb.retransmitQueue, 3)

	// strictly ordered by sequence number
	for i := 1; i < len(tcb.retransmitQueue); i++ {
		require.True(t, seqLess(tcb.retransmitQueue[i-1].seqNo, tcb.retransmitQueue[i].seqNo))
	}

	// partial ack removes only wholly-covered entries
	boundary := tcb.retransmitQueue[1].seqNo
	m.Receive(ackPacket(remote, local, peerSeq, boundary))
	require.Len(t, tcb.retransmitQueue, 2)
	for _, entry := range tcb.retransmitQueue {
		require.True(t, seqLess(boundary, entry.seqNo+entry.dataLen))
	}
}

func TestEnqueueSendBounded(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, _, _, _, _ := establishedConn(t, m)

	// the send queue accepts at most its capacity
	n := tcb.EnqueueSend(make([]byte, sendQueueSize+1000))
	assert.Equal(t, sendQueueSize, n)
	assert.Equal(t, 0, tcb.EnqueueSend([]byte("x")))
}

func TestAdvertisedWindowTracksReceiveQueue(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, remote, local, peerSeq, iss := establishedConn(t, m)

	before := tcb.advertisedWindow()
	payload := make([]byte, 4000)
	m.Receive(dataPacket(remote, local, peerSeq, iss+1, payload))
	after := tcb.advertisedWindow()
	assert.Equal(t, int(before)-len(payload), int(after))

	// reading frees the window again
	buf := make([]byte, len(payload))
	require.Equal(t, len(payload), tcb.ReadOut(buf))
	assert.Equal(t, before, tcb.advertisedWindow())
}

func TestGatherPrefersControlQueue(t *testing.T) {
	m := NewTCBManager(testLogger(t))
	tcb, _, _, _, _ := establishedConn(t, m)

	tcb.snd.cwnd = 64 * uint32(tcb.snd.mss)
	tcb.EnqueueSend([]byte("data first?"))
	tcb.enqueueAck()

	pkt, ok := tcb.GatherPacket()
	require.True(t, ok)
	assert.Empty(t, pkt.Payload) // the queued ACK wins
	assert.Equal(t, uint8(header.TCPFlagAck), pkt.Hdr.Flags)

	pkt, ok = tcb.GatherPacket()
	require.True(t, ok)
	assert.Equal(t, []byte("data first?"), pkt.Payload)
}
