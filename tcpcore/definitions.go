// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"

	"github.com/google/netstack/tcpip/header"
)

// State is the TCP connection state, per the RFC 793 diagram.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = []string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RECEIVED", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "CLOSING", "LAST_ACK",
	"TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

const (
	defaultMSS            = 1460
	defaultSsthresh       = 65536
	defaultRecvWindow     = 65535
	defaultMaxConnections = 1000
	defaultBacklog        = 128

	// capacity of the per-connection send and receive byte queues; the
	// receive queue matches the advertised window
	sendQueueSize = 1 << 16
	recvQueueSize = defaultRecvWindow

	dupAckThreshold = 3
)

// FlowKey identifies one connection: the (remote, local) endpoint pair.
type FlowKey struct {
	Remote netip.AddrPort
	Local  netip.AddrPort
}

func (k FlowKey) String() string {
	return k.Remote.String() + " -> " + k.Local.String()
}

// Packet is a TCP segment crossing the boundary between the framing layer
// and the transport core, in either direction. Hdr carries the decoded (or
// to-be-encoded) TCP header fields; Payload is the data beyond the header.
type Packet struct {
	Remote  netip.AddrPort
	Local   netip.AddrPort
	Hdr     header.TCPFields
	Payload []byte

	// MSS advertised in the SYN options, 0 when absent.
	MSS uint16

	// retransmit marks a segment rebuilt from the retransmit queue, so it
	// is not tracked a second time on the way out.
	retransmit bool
}

// SegLen is the amount of sequence space the segment occupies: the payload
// length, plus one for SYN and one for FIN.
func (p *Packet) SegLen() uint32 {
	n := uint32(len(p.Payload))
	if p.Hdr.Flags&header.TCPFlagSyn != 0 {
		n++
	}
	if p.Hdr.Flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}

// PortStats tracks per-port admission accounting.
type PortStats struct {
	Current       uint32
	Max           uint32
	Peak          uint32
	TotalCreated  uint32
	TotalRejected uint32
}

// BacklogStats tracks a listener's acceptor queue accounting.
type BacklogStats struct {
	Current       uint32
	Max           uint32
	Peak          uint32
	TotalQueued   uint32
	TotalRejected uint32
}

// Notifier is the socket surface's readiness interface. The segment engine
// calls these as connections gain pending data or pending accepts; both are
// idempotent within an event-loop tick.
type Notifier interface {
	MarkSocketReadable(*TCB)
	MarkListenerAcceptable(*Listener)
}

// positiveEnv reads an environment variable expected to hold a positive
// integer. Unset, malformed, or non-positive values yield the fallback.
func positiveEnv(name string, fallback uint32) uint32 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return fallback
	}
	return uint32(n)
}

func maxConnectionsFromEnv() uint32 {
	return positiveEnv("MAX_CONNECTIONS", defaultMaxConnections)
}

func portLimitFromEnv(port uint16) uint32 {
	return positiveEnv("MAX_CONNECTIONS_PORT_"+strconv.Itoa(int(port)), maxConnectionsFromEnv())
}

func backlogFromEnv(port uint16) uint32 {
	return positiveEnv("MAX_BACKLOG_PORT_"+strconv.Itoa(int(port)), defaultBacklog)
}

// seqLess compares sequence numbers with wraparound.
func seqLess(lhs, rhs uint32) bool {
	// distance walking from lhs to rhs, downwards
	distDown := lhs - rhs
	// distance walking from lhs to rhs, upwards
	distUp := rhs - lhs
	// if the distance walking up is shorter, lhs is less than rhs
	return distUp < distDown
}

func seqLessOrEqual(lhs, rhs uint32) bool {
	return lhs == rhs || seqLess(lhs, rhs)
}
