// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tuntap opens and drives the Linux TUN device the stack attaches
// to. The descriptor is non-blocking so the event loop can drain it after
// a single poll.
package tuntap

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const clonePath = "/dev/net/tun"

type Device struct {
	fd     int
	name   string
	logger logr.Logger
}

// Open attaches to the named TUN interface (IFF_TUN, no packet info, so
// reads and writes are raw IP datagrams).
func Open(name string, logger logr.Logger) (*Device, error) {
	fd, err := unix.Open(clonePath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", clonePath)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %q", name)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "TUNSETIFF")
	}
	d := &Device{fd: fd, name: ifr.Name(), logger: logger.WithName("tuntap")}
	d.logger.Info("device ready", "name", d.name)
	return d, nil
}

func (d *Device) Fd() int      { return d.fd }
func (d *Device) Name() string { return d.name }

func (d *Device) Read(b []byte) (int, error) {
	return unix.Read(d.fd, b)
}

func (d *Device) Write(b []byte) (int, error) {
	return unix.Write(d.fd, b)
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}
