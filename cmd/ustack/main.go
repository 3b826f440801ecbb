// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// ustack attaches the userspace TCP stack to a TUN interface and runs an
// echo server on one listening port.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Youmanvi/userspace-tcp-ip/eventloop"
	"github.com/Youmanvi/userspace-tcp-ip/sockets"
	"github.com/Youmanvi/userspace-tcp-ip/tcpcore"
	"github.com/Youmanvi/userspace-tcp-ip/tuntap"
)

func main() {
	var (
		ifaceName = flag.String("iface", "tun0", "TUN interface to attach to")
		addrStr   = flag.String("addr", "192.168.1.1", "local IPv4 address of the stack")
		port      = flag.Uint("port", 30000, "TCP port to listen on")
		verbosity = flag.Int("v", 0, "log verbosity (higher is chattier)")
	)
	flag.Parse()

	if err := run(*ifaceName, *addrStr, uint16(*port), *verbosity); err != nil {
		fmt.Fprintln(os.Stderr, "ustack:", err)
		os.Exit(1)
	}
}

func run(ifaceName, addrStr string, port uint16, verbosity int) error {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zapLog, err := zapConfig.Build()
	if err != nil {
		return err
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog)

	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return fmt.Errorf("bad -addr: %w", err)
	}

	dev, err := tuntap.Open(ifaceName, logger)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	mgr := tcpcore.NewTCBManager(logger)
	table := sockets.NewTable(mgr, logger)
	loop := eventloop.New(dev, mgr, table, logger)

	fd, err := table.Socket(sockets.ProtoTCP, addr, port)
	if err != nil {
		return err
	}
	if err := table.Listen(fd); err != nil {
		return err
	}

	loop.RegisterAcceptCallback(fd, func() {
		for {
			nfd, err := table.Accept(fd)
			if err != nil {
				return // drained
			}
			s, _ := table.Get(nfd)
			logger.Info("connection accepted", "fd", nfd, "remote", s.Remote)
			buf := make([]byte, 4096)
			loop.RegisterReadCallback(nfd, func() {
				for {
					n, err := table.Read(nfd, buf)
					if err != nil {
						return // drained
					}
					if _, err := table.Write(nfd, buf[:n]); err != nil {
						logger.Error(err, "echo write", "fd", nfd)
						return
					}
				}
			})
		}
	})

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(loop.Run)
	group.Go(func() error {
		<-ctx.Done()
		loop.Stop()
		return nil
	})
	return group.Wait()
}
