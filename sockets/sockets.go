// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sockets is the application-facing surface of the stack: integer
// handles over connections and listeners, non-blocking read/write/accept,
// and the readiness flags the event loop turns into callbacks.
package sockets

import (
	"net/netip"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/Youmanvi/userspace-tcp-ip/tcpcore"
)

// ProtoTCP is the only protocol the surface accepts.
const ProtoTCP = 6

var (
	// ErrAgain reports a transient readiness miss: nothing to read or
	// accept right now. Retry from the next readiness callback.
	ErrAgain = errors.New("sockets: resource temporarily unavailable")

	ErrBadHandle     = errors.New("sockets: no such handle")
	ErrBadProtocol   = errors.New("sockets: unsupported protocol")
	ErrNotListener   = errors.New("sockets: handle is not a listener")
	ErrNotConnection = errors.New("sockets: handle is not a connection")
	ErrAlreadyBound  = errors.New("sockets: handle already listening")
)

// Kind says what a handle resolves to.
type Kind int

const (
	KindActive Kind = iota
	KindListener
)

// Socket is one application handle. At most one of TCB and Listener is set,
// according to Kind; a handle from Socket that has not called Listen has
// neither.
type Socket struct {
	FD       int
	Kind     Kind
	Local    netip.AddrPort
	Remote   netip.AddrPort
	TCB      *tcpcore.TCB
	Listener *tcpcore.Listener
	Readable bool
}

// Table maps handles to connections and listeners. It implements
// tcpcore.Notifier, so the segment engine can flag readiness; the event
// loop registers hooks to collect those flags into its per-tick sets.
type Table struct {
	logger logr.Logger
	mgr    *tcpcore.TCBManager

	nextFD     int
	socks      map[int]*Socket
	byTCB      map[*tcpcore.TCB]int
	byListener map[*tcpcore.Listener]int

	onReadable   func(fd int)
	onAcceptable func(fd int)
}

func NewTable(mgr *tcpcore.TCBManager, logger logr.Logger) *Table {
	tb := &Table{
		logger:     logger.WithName("sockets"),
		mgr:        mgr,
		nextFD:     1,
		socks:      make(map[int]*Socket),
		byTCB:      make(map[*tcpcore.TCB]int),
		byListener: make(map[*tcpcore.Listener]int),
	}
	mgr.SetNotifier(tb)
	return tb
}

// SetReadyHooks installs the event loop's per-tick readiness collectors.
func (tb *Table) SetReadyHooks(onReadable, onAcceptable func(fd int)) {
	tb.onReadable = onReadable
	tb.onAcceptable = onAcceptable
}

// Socket allocates a handle bound to a local endpoint.
func (tb *Table) Socket(proto int, addr netip.Addr, port uint16) (int, error) {
	if proto != ProtoTCP {
		return -1, errors.Wrapf(ErrBadProtocol, "proto %d", proto)
	}
	s := &Socket{
		FD:    tb.nextFD,
		Kind:  KindActive,
		Local: netip.AddrPortFrom(addr, port),
	}
	tb.nextFD++
	tb.socks[s.FD] = s
	tb.logger.V(1).Info("socket created", "fd", s.FD, "local", s.Local)
	return s.FD, nil
}

// Listen turns a bound handle into a listener and starts admitting SYNs on
// its endpoint.
func (tb *Table) Listen(fd int) error {
	s, ok := tb.socks[fd]
	if !ok {
		return errors.Wrapf(ErrBadHandle, "fd %d", fd)
	}
	if s.Listener != nil || s.TCB != nil {
		return errors.Wrapf(ErrAlreadyBound, "fd %d", fd)
	}
	l := tb.mgr.Listen(s.Local)
	s.Kind = KindListener
	s.Listener = l
	tb.byListener[l] = fd
	return nil
}

// Accept pops the next fully-handshaken connection off the listener's
// queue and wraps it in a fresh handle. ErrAgain when the queue is empty.
func (tb *Table) Accept(fd int) (int, error) {
	s, ok := tb.socks[fd]
	if !ok {
		return -1, errors.Wrapf(ErrBadHandle, "fd %d", fd)
	}
	if s.Kind != KindListener || s.Listener == nil {
		return -1, errors.Wrapf(ErrNotListener, "fd %d", fd)
	}
	t, ok := s.Listener.PopAcceptor()
	if !ok {
		return -1, ErrAgain
	}
	ns := &Socket{
		FD:       tb.nextFD,
		Kind:     KindActive,
		Local:    t.Local(),
		Remote:   t.Remote(),
		TCB:      t,
		Readable: t.RecvBuffered() > 0,
	}
	tb.nextFD++
	tb.socks[ns.FD] = ns
	tb.byTCB[t] = ns.FD
	tb.logger.V(1).Info("accepted", "listener", fd, "fd", ns.FD, "remote", ns.Remote)
	return ns.FD, nil
}

// Read copies buffered payload out of the connection, up to len(buf).
// ErrAgain when the receive queue is empty.
func (tb *Table) Read(fd int, buf []byte) (int, error) {
	s, ok := tb.socks[fd]
	if !ok {
		return 0, errors.Wrapf(ErrBadHandle, "fd %d", fd)
	}
	if s.Kind != KindActive || s.TCB == nil {
		return 0, errors.Wrapf(ErrNotConnection, "fd %d", fd)
	}
	n := s.TCB.ReadOut(buf)
	if n == 0 {
		s.Readable = false
		return 0, ErrAgain
	}
	if s.TCB.RecvBuffered() == 0 {
		s.Readable = false
	}
	return n, nil
}

// Write enqueues payload on the connection's send queue and marks it ready
// to transmit. Returns the number of bytes accepted; ErrAgain when the
// queue has no room at all.
func (tb *Table) Write(fd int, buf []byte) (int, error) {
	s, ok := tb.socks[fd]
	if !ok {
		return 0, errors.Wrapf(ErrBadHandle, "fd %d", fd)
	}
	if s.Kind != KindActive || s.TCB == nil {
		return 0, errors.Wrapf(ErrNotConnection, "fd %d", fd)
	}
	n := s.TCB.EnqueueSend(buf)
	if n == 0 && len(buf) > 0 {
		return 0, ErrAgain
	}
	return n, nil
}

// Close releases a handle. A connection handle starts the orderly FIN
// exchange; a listener handle stops admission, resets anything still
// waiting in its backlog, and sweeps.
func (tb *Table) Close(fd int) error {
	s, ok := tb.socks[fd]
	if !ok {
		return errors.Wrapf(ErrBadHandle, "fd %d", fd)
	}
	switch {
	case s.TCB != nil:
		s.TCB.StartClose()
		delete(tb.byTCB, s.TCB)
	case s.Listener != nil:
		tb.mgr.Unlisten(s.Local)
		delete(tb.byListener, s.Listener)
	}
	delete(tb.socks, fd)
	return nil
}

// Get resolves a handle, mainly for the event loop and tests.
func (tb *Table) Get(fd int) (*Socket, bool) {
	s, ok := tb.socks[fd]
	return s, ok
}

// MarkSocketReadable implements tcpcore.Notifier. Data that arrives before
// the connection is accepted stays queued; the flag is set at accept time.
func (tb *Table) MarkSocketReadable(t *tcpcore.TCB) {
	fd, ok := tb.byTCB[t]
	if !ok {
		return
	}
	tb.socks[fd].Readable = true
	if tb.onReadable != nil {
		tb.onReadable(fd)
	}
}

// MarkListenerAcceptable implements tcpcore.Notifier.
func (tb *Table) MarkListenerAcceptable(l *tcpcore.Listener) {
	fd, ok := tb.byListener[l]
	if !ok {
		return
	}
	if tb.onAcceptable != nil {
		tb.onAcceptable(fd)
	}
}
