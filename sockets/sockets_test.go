// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package sockets

import (
	"net/netip"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Youmanvi/userspace-tcp-ip/tcpcore"
)

func testLogger(tb testing.TB) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(tb))
}

func segment(remote, local netip.AddrPort, seq, ack uint32, flags uint8, payload []byte) *tcpcore.Packet {
	return &tcpcore.Packet{
		Remote: remote,
		Local:  local,
		Hdr: header.TCPFields{
			SrcPort:    remote.Port(),
			DstPort:    local.Port(),
			SeqNum:     seq,
			AckNum:     ack,
			DataOffset: header.TCPMinimumSize,
			Flags:      flags,
			WindowSize: 65535,
		},
		Payload: payload,
	}
}

// bench drives a full passive handshake against a listening table and
// returns the peer endpoints plus sequence state for follow-up segments.
type bench struct {
	mgr    *tcpcore.TCBManager
	table  *Table
	local  netip.AddrPort
	remote netip.AddrPort
	lfd    int

	peerSeq uint32
	iss     uint32
}

func newBench(t *testing.T) *bench {
	t.Helper()
	b := &bench{
		local:  netip.MustParseAddrPort("192.168.1.1:30000"),
		remote: netip.MustParseAddrPort("10.0.0.1:40001"),
	}
	b.mgr = tcpcore.NewTCBManager(testLogger(t))
	b.table = NewTable(b.mgr, testLogger(t))

	fd, err := b.table.Socket(ProtoTCP, b.local.Addr(), b.local.Port())
	require.NoError(t, err)
	require.NoError(t, b.table.Listen(fd))
	b.lfd = fd
	return b
}

func (b *bench) drain() []*tcpcore.Packet {
	var out []*tcpcore.Packet
	for {
		pkt, ok := b.mgr.GatherPacket()
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

func (b *bench) handshake(t *testing.T) {
	t.Helper()
	b.peerSeq = 1000
	b.mgr.Receive(segment(b.remote, b.local, b.peerSeq, 0, header.TCPFlagSyn, nil))
	pkts := b.drain()
	require.Len(t, pkts, 1)
	b.iss = pkts[0].Hdr.SeqNum
	b.peerSeq++
	b.mgr.Receive(segment(b.remote, b.local, b.peerSeq, b.iss+1, header.TCPFlagAck, nil))
}

func TestSocketRejectsUnknownProtocol(t *testing.T) {
	b := newBench(t)
	_, err := b.table.Socket(17, b.local.Addr(), 9999)
	assert.ErrorIs(t, err, ErrBadProtocol)
}

func TestAcceptReturnsAgainWhenEmpty(t *testing.T) {
	b := newBench(t)
	_, err := b.table.Accept(b.lfd)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestAcceptAfterHandshake(t *testing.T) {
	b := newBench(t)

	var acceptable []int
	b.table.SetReadyHooks(nil, func(fd int) { acceptable = append(acceptable, fd) })

	b.handshake(t)
	require.Equal(t, []int{b.lfd}, acceptable)

	fd, err := b.table.Accept(b.lfd)
	require.NoError(t, err)
	s, ok := b.table.Get(fd)
	require.True(t, ok)
	assert.Equal(t, KindActive, s.Kind)
	assert.Equal(t, b.remote, s.Remote)
	assert.Equal(t, b.local, s.Local)

	// queue is drained now
	_, err = b.table.Accept(b.lfd)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestReadDeliversPayload(t *testing.T) {
	b := newBench(t)
	b.handshake(t)
	fd, err := b.table.Accept(b.lfd)
	require.NoError(t, err)

	var readable []int
	b.table.SetReadyHooks(func(sfd int) { readable = append(readable, sfd) }, nil)

	buf := make([]byte, 32)
	_, err = b.table.Read(fd, buf)
	require.ErrorIs(t, err, ErrAgain)

	b.mgr.Receive(segment(b.remote, b.local, b.peerSeq, b.iss+1, header.TCPFlagAck, []byte("HELLO")))
	require.Equal(t, []int{fd}, readable)

	n, err := b.table.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), buf[:n])

	_, err = b.table.Read(fd, buf)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestDataBeforeAcceptIsKept(t *testing.T) {
	b := newBench(t)
	b.handshake(t)

	// payload lands before anyone accepts; it must wait, not vanish
	b.mgr.Receive(segment(b.remote, b.local, b.peerSeq, b.iss+1, header.TCPFlagAck, []byte("EARLY")))

	fd, err := b.table.Accept(b.lfd)
	require.NoError(t, err)
	s, _ := b.table.Get(fd)
	assert.True(t, s.Readable)

	buf := make([]byte, 32)
	n, err := b.table.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("EARLY"), buf[:n])
}

func TestWriteQueuesSegment(t *testing.T) {
	b := newBench(t)
	b.handshake(t)
	fd, err := b.table.Accept(b.lfd)
	require.NoError(t, err)

	n, err := b.table.Write(fd, []byte("PONG"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	pkts := b.drain()
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte("PONG"), pkts[0].Payload)
	assert.Equal(t, b.remote, pkts[0].Remote)
}

func TestHandleErrors(t *testing.T) {
	b := newBench(t)
	buf := make([]byte, 8)

	_, err := b.table.Read(99, buf)
	assert.ErrorIs(t, err, ErrBadHandle)

	_, err = b.table.Accept(99)
	assert.ErrorIs(t, err, ErrBadHandle)

	// a listener handle is not readable or writable
	_, err = b.table.Read(b.lfd, buf)
	assert.ErrorIs(t, err, ErrNotConnection)
	_, err = b.table.Write(b.lfd, []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnection)

	// an active handle cannot accept
	b.handshake(t)
	fd, err := b.table.Accept(b.lfd)
	require.NoError(t, err)
	_, err = b.table.Accept(fd)
	assert.ErrorIs(t, err, ErrNotListener)
}

func TestCloseListenerStopsAdmission(t *testing.T) {
	b := newBench(t)
	require.NoError(t, b.table.Close(b.lfd))

	b.mgr.Receive(segment(b.remote, b.local, 100, 0, header.TCPFlagSyn, nil))
	pkts := b.drain()
	require.Len(t, pkts, 1)
	assert.NotZero(t, pkts[0].Hdr.Flags&header.TCPFlagRst)
}
