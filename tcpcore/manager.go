// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"net/netip"
	"time"

	"github.com/go-logr/logr"
)

// Listener is the passive side of a local endpoint: the queue of
// fully-handshaken connections awaiting accept, plus backlog accounting.
// Listeners are owned by the manager; connections reach theirs by local
// endpoint lookup, so the only owning path runs manager -> listener ->
// acceptor queue.
type Listener struct {
	Local      netip.AddrPort
	Acceptable bool
	Backlog    BacklogStats

	acceptors fifo[*TCB]
}

// PopAcceptor removes the next pending connection, or reports none.
func (l *Listener) PopAcceptor() (*TCB, bool) {
	t, ok := l.acceptors.PopFront()
	if ok && l.Backlog.Current > 0 {
		l.Backlog.Current--
	}
	if l.acceptors.Empty() {
		l.Acceptable = false
	}
	return t, ok
}

// Pending reports the number of connections awaiting accept.
func (l *Listener) Pending() int {
	return l.acceptors.Len()
}

// TCBManager is the process-wide transport registry: every connection keyed
// by its flow, every listener keyed by its local endpoint, the set of
// endpoints that accept SYNs, and the queue of connections with transmit
// work pending. One logical instance per process; all access is from the
// event-loop goroutine.
type TCBManager struct {
	logger   logr.Logger
	notifier Notifier

	tcbs        map[FlowKey]*TCB
	listeners   map[netip.AddrPort]*Listener
	activePorts map[netip.AddrPort]struct{}
	activeTCBs  fifo[*TCB]

	// resets for segments that never get a connection (unknown flows,
	// rejected admissions); drained ahead of per-connection traffic
	pending fifo[*Packet]

	maxConnections  uint32
	totalCreated    uint32
	peakConnections uint32
	portStats       map[uint16]*PortStats

	isn uint32
}

// NewTCBManager builds the registry, resolving the global connection cap
// from MAX_CONNECTIONS once.
func NewTCBManager(logger logr.Logger) *TCBManager {
	m := &TCBManager{
		logger:         logger.WithName("tcbmgr"),
		tcbs:           make(map[FlowKey]*TCB),
		listeners:      make(map[netip.AddrPort]*Listener),
		activePorts:    make(map[netip.AddrPort]struct{}),
		portStats:      make(map[uint16]*PortStats),
		maxConnections: maxConnectionsFromEnv(),
		isn:            uint32(time.Now().UnixNano()),
	}
	m.logger.Info("transport registry ready", "maxConnections", m.maxConnections)
	return m
}

// SetNotifier wires the socket surface's readiness hooks in. Safe to leave
// unset in tests that only exercise the protocol machinery.
func (m *TCBManager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *TCBManager) notifyReadable(t *TCB) {
	if m.notifier != nil {
		m.notifier.MarkSocketReadable(t)
	}
}

func (m *TCBManager) notifyAcceptable(l *Listener) {
	if m.notifier != nil {
		m.notifier.MarkListenerAcceptable(l)
	}
}

// nextISN hands out initial send sequence numbers. A coarse time seed plus
// a per-connection stride; RFC 6528 hardening is out of scope.
func (m *TCBManager) nextISN() uint32 {
	m.isn += 64013
	return m.isn
}

// Listen registers a listener for a local endpoint and starts admitting
// SYNs to it. The backlog cap comes from MAX_BACKLOG_PORT_<port>.
func (m *TCBManager) Listen(local netip.AddrPort) *Listener {
	l := &Listener{Local: local}
	l.Backlog.Max = backlogFromEnv(local.Port())
	m.listeners[local] = l
	m.activePorts[local] = struct{}{}
	m.logger.Info("listening", "local", local, "backlog", l.Backlog.Max)
	return l
}

func (m *TCBManager) listenerFor(local netip.AddrPort) *Listener {
	return m.listeners[local]
}

// Unlisten stops admitting SYNs on a local endpoint. Connections still
// waiting in the backlog are reset and swept.
func (m *TCBManager) Unlisten(local netip.AddrPort) {
	l := m.listeners[local]
	if l == nil {
		return
	}
	delete(m.listeners, local)
	delete(m.activePorts, local)
	for {
		t, ok := l.PopAcceptor()
		if !ok {
			break
		}
		t.reset()
	}
	m.CleanupClosedConnections()
	m.logger.Info("listener closed", "local", local)
}

// listenFinish hands a connection that just completed its handshake to its
// listener's acceptor queue, subject to the backlog cap. Overflow resets
// the connection.
func (m *TCBManager) listenFinish(t *TCB) {
	l := m.listenerFor(t.local)
	if l == nil {
		return
	}
	if l.Backlog.Current >= l.Backlog.Max {
		l.Backlog.TotalRejected++
		m.logger.Info("backlog full, connection reset",
			"local", t.local, "remote", t.remote,
			"backlog", l.Backlog.Max, "rejected", l.Backlog.TotalRejected)
		t.reset()
		return
	}
	l.acceptors.PushBack(t)
	l.Backlog.Current++
	l.Backlog.TotalQueued++
	if l.Backlog.Current > l.Backlog.Peak {
		l.Backlog.Peak = l.Backlog.Current
	}
	l.Acceptable = true
	m.notifyAcceptable(l)
}

// registerTCB admits a new connection if both the global gate and the
// per-port gate allow it. The per-port limit is resolved from the
// environment the first time the port is seen.
func (m *TCBManager) registerTCB(key FlowKey) (*TCB, bool) {
	port := key.Local.Port()
	ps := m.portStats[port]
	if ps == nil {
		ps = &PortStats{Max: portLimitFromEnv(port)}
		m.portStats[port] = ps
		m.logger.Info("port limit resolved", "port", port, "limit", ps.Max)
	}

	if uint32(len(m.tcbs)) >= m.maxConnections {
		ps.TotalRejected++
		m.logger.Info("global connection limit exceeded",
			"current", len(m.tcbs), "max", m.maxConnections, "remote", key.Remote)
		return nil, false
	}
	if ps.Current >= ps.Max {
		ps.TotalRejected++
		m.logger.Info("port connection limit exceeded",
			"port", port, "current", ps.Current, "max", ps.Max, "remote", key.Remote)
		return nil, false
	}

	t := newTCB(m, key.Remote, key.Local)
	m.tcbs[key] = t

	m.totalCreated++
	if uint32(len(m.tcbs)) > m.peakConnections {
		m.peakConnections = uint32(len(m.tcbs))
	}
	ps.Current++
	ps.TotalCreated++
	if ps.Current > ps.Peak {
		ps.Peak = ps.Current
	}

	m.logger.V(1).Info("connection registered", "flow", key,
		"global", len(m.tcbs), "port", port, "portCurrent", ps.Current)
	return t, true
}

// Receive routes one ingress segment: to its connection if the flow is
// known, through admission if it targets a listening endpoint, and to a
// reset otherwise.
func (m *TCBManager) Receive(pkt *Packet) {
	key := FlowKey{Remote: pkt.Remote, Local: pkt.Local}

	if t, ok := m.tcbs[key]; ok {
		tcpIn(t, pkt)
		return
	}

	if _, ok := m.activePorts[pkt.Local]; ok {
		t, admitted := m.registerTCB(key)
		if !admitted {
			m.pending.PushBack(rstFor(pkt))
			m.CleanupClosedConnections()
			return
		}
		t.setState(StateListen)
		tcpIn(t, pkt)
		return
	}

	m.logger.V(1).Info("segment for inactive endpoint reset", "flow", key)
	m.pending.PushBack(rstFor(pkt))
}

// GatherPacket pops ready connections until one yields a segment, records
// any data payload for retransmission, and hands the segment to framing.
// A connection that yields nothing is not re-queued; new state re-queues it.
func (m *TCBManager) GatherPacket() (*Packet, bool) {
	if pkt, ok := m.pending.PopFront(); ok {
		return pkt, true
	}
	for {
		t, ok := m.activeTCBs.PopFront()
		if !ok {
			return nil, false
		}
		pkt, ok := t.GatherPacket()
		if ok {
			t.trackSentSegment(pkt)
			return pkt, true
		}
	}
}

// CleanupClosedConnections sweeps the registry, dropping CLOSED connections
// and returning their port-level accounting. Returns the number removed.
func (m *TCBManager) CleanupClosedConnections() int {
	removed := 0
	for key, t := range m.tcbs {
		if t.state != StateClosed {
			continue
		}
		if ps := m.portStats[key.Local.Port()]; ps != nil && ps.Current > 0 {
			ps.Current--
		}
		delete(m.tcbs, key)
		removed++
	}
	if removed > 0 {
		m.logger.V(1).Info("swept closed connections",
			"removed", removed, "current", len(m.tcbs), "max", m.maxConnections)
	}
	return removed
}

// Statistics accessors.

func (m *TCBManager) CurrentConnections() int { return len(m.tcbs) }

func (m *TCBManager) MaxConnections() uint32 { return m.maxConnections }

func (m *TCBManager) PeakConnections() uint32 { return m.peakConnections }

func (m *TCBManager) TotalConnectionsCreated() uint32 { return m.totalCreated }

func (m *TCBManager) IsAtCapacity() bool {
	return uint32(len(m.tcbs)) >= m.maxConnections
}

// PortStats returns a copy of the accounting for one port; zero stats if
// the port was never touched.
func (m *TCBManager) PortStats(port uint16) PortStats {
	if ps := m.portStats[port]; ps != nil {
		return *ps
	}
	return PortStats{}
}

func (m *TCBManager) IsPortAtCapacity(port uint16) bool {
	ps := m.portStats[port]
	return ps != nil && ps.Current >= ps.Max
}

// lookup is a test hook: the connection for a flow, if any.
func (m *TCBManager) lookup(key FlowKey) *TCB {
	return m.tcbs[key]
}
