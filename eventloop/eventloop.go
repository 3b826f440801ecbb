// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package eventloop drives the whole stack from one OS descriptor: a
// poll(2) on the TUN device fans ingress into the transport registry,
// drains pending transmissions while the device is writable, and turns
// protocol-side readiness flags into application callbacks. Everything runs
// on the goroutine that calls Run; callbacks must not block.
package eventloop

import (
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Youmanvi/userspace-tcp-ip/frame"
	"github.com/Youmanvi/userspace-tcp-ip/sockets"
	"github.com/Youmanvi/userspace-tcp-ip/tcpcore"
)

// Device is the descriptor the loop owns: the TUN device in production, a
// socketpair end in tests. Read must be non-blocking.
type Device interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// pollTimeoutMS bounds each wait so Stop is honoured and the sweep runs
// even on an idle link.
const pollTimeoutMS = 100

const maxDatagram = 65535

type Loop struct {
	logger logr.Logger
	dev    Device
	mgr    *tcpcore.TCBManager
	table  *sockets.Table

	acceptCallbacks map[int]func()
	readCallbacks   map[int]func()

	// per-tick readiness, populated by the mark hooks during ingress
	readableSockets     map[int]struct{}
	acceptableListeners map[int]struct{}

	stopped atomic.Bool
	readBuf []byte
}

func New(dev Device, mgr *tcpcore.TCBManager, table *sockets.Table, logger logr.Logger) *Loop {
	l := &Loop{
		logger:              logger.WithName("eventloop"),
		dev:                 dev,
		mgr:                 mgr,
		table:               table,
		acceptCallbacks:     make(map[int]func()),
		readCallbacks:       make(map[int]func()),
		readableSockets:     make(map[int]struct{}),
		acceptableListeners: make(map[int]struct{}),
		readBuf:             make([]byte, maxDatagram),
	}
	table.SetReadyHooks(l.markReadable, l.markAcceptable)
	return l
}

// RegisterAcceptCallback arranges for cb to run once on each tick in which
// a handshake completed onto the listener's acceptor queue. Connections left
// unaccepted do not trigger the callback again on later ticks.
func (l *Loop) RegisterAcceptCallback(fd int, cb func()) {
	l.acceptCallbacks[fd] = cb
}

// RegisterReadCallback arranges for cb to run once on each tick in which new
// in-order payload arrived for the connection handle. Payload left unread
// does not trigger the callback again on later ticks.
func (l *Loop) RegisterReadCallback(fd int, cb func()) {
	l.readCallbacks[fd] = cb
}

// UnregisterCallbacks drops both callbacks for a handle.
func (l *Loop) UnregisterCallbacks(fd int) {
	delete(l.acceptCallbacks, fd)
	delete(l.readCallbacks, fd)
}

func (l *Loop) markReadable(fd int)   { l.readableSockets[fd] = struct{}{} }
func (l *Loop) markAcceptable(fd int) { l.acceptableListeners[fd] = struct{}{} }

// Stop makes Run return at the next iteration boundary. Safe from
// callbacks and from other goroutines.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

func (l *Loop) Run() error {
	l.logger.Info("event loop started")
	for !l.stopped.Load() {
		if err := l.Tick(); err != nil {
			return err
		}
	}
	l.logger.Info("event loop stopped")
	return nil
}

// Tick runs one loop iteration: wait for device readiness, process network
// events, dispatch application callbacks, sweep closed connections.
func (l *Loop) Tick() error {
	clear(l.readableSockets)
	clear(l.acceptableListeners)

	fds := []unix.PollFd{{
		Fd:     int32(l.dev.Fd()),
		Events: unix.POLLIN | unix.POLLOUT,
	}}
	n, err := unix.Poll(fds, pollTimeoutMS)
	if err != nil && err != unix.EINTR {
		return errors.Wrap(err, "poll")
	}
	if n > 0 {
		if fds[0].Revents&unix.POLLIN != 0 {
			l.processIngress()
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			l.processEgress()
		}
	}
	l.dispatchCallbacks()
	l.mgr.CleanupClosedConnections()
	return nil
}

// processIngress drains the device and feeds every parseable TCP segment to
// the registry. Non-TCP traffic is dropped quietly.
func (l *Loop) processIngress() {
	for {
		n, err := l.dev.Read(l.readBuf)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.logger.Error(err, "device read")
			}
			return
		}
		pkt, err := frame.ParseDatagram(l.readBuf[:n])
		if err != nil {
			l.logger.V(2).Info("datagram dropped", "reason", err, "len", n)
			continue
		}
		l.mgr.Receive(pkt)
	}
}

// processEgress drains the registry's pending transmissions while the
// device stays writable.
func (l *Loop) processEgress() {
	for {
		pkt, ok := l.mgr.GatherPacket()
		if !ok {
			return
		}
		if _, err := l.dev.Write(frame.BuildDatagram(pkt)); err != nil {
			l.logger.Error(err, "device write", "remote", pkt.Remote)
			return
		}
	}
}

// dispatchCallbacks invokes each flagged handle's callback once. Accept
// callbacks run first so a connection accepted this tick can have its read
// callback registered before read dispatch.
func (l *Loop) dispatchCallbacks() {
	for fd := range l.acceptableListeners {
		if cb := l.acceptCallbacks[fd]; cb != nil {
			cb()
		}
	}
	for fd := range l.readableSockets {
		if cb := l.readCallbacks[fd]; cb != nil {
			cb()
		}
	}
}
