// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package frame converts between raw IPv4 datagrams on the TUN device and
// the transport core's segment representation. Only IPv4 carrying TCP is
// handled; everything else is reported for the caller to drop.
package frame

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"

	"github.com/Youmanvi/userspace-tcp-ip/tcpcore"
)

var (
	ErrTruncated   = errors.New("frame: datagram truncated")
	ErrNotIPv4     = errors.New("frame: not an IPv4 datagram")
	ErrNotTCP      = errors.New("frame: not a TCP segment")
	ErrBadChecksum = errors.New("frame: bad TCP checksum")
)

const defaultTTL = 64

// ParseDatagram decodes one raw datagram read from the device into a
// transport segment, verifying lengths and the TCP checksum.
func ParseDatagram(b []byte) (*tcpcore.Packet, error) {
	if len(b) < header.IPv4MinimumSize {
		return nil, ErrTruncated
	}
	if header.IPVersion(b) != 4 {
		return nil, ErrNotIPv4
	}
	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	total := int(ip.TotalLength())
	if hlen < header.IPv4MinimumSize || total < hlen || total > len(b) {
		return nil, ErrTruncated
	}
	if ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return nil, ErrNotTCP
	}

	src, ok := addrFromNetstack(ip.SourceAddress())
	if !ok {
		return nil, ErrNotIPv4
	}
	dst, ok := addrFromNetstack(ip.DestinationAddress())
	if !ok {
		return nil, ErrNotIPv4
	}

	seg := b[hlen:total]
	if len(seg) < header.TCPMinimumSize {
		return nil, ErrTruncated
	}
	if TCPChecksum(src, dst, seg) != 0 {
		return nil, ErrBadChecksum
	}

	tcp := header.TCP(seg)
	off := int(tcp.DataOffset())
	if off < header.TCPMinimumSize || off > len(seg) {
		return nil, ErrTruncated
	}

	pkt := &tcpcore.Packet{
		Remote: netip.AddrPortFrom(src, tcp.SourcePort()),
		Local:  netip.AddrPortFrom(dst, tcp.DestinationPort()),
		Hdr: header.TCPFields{
			SrcPort:    tcp.SourcePort(),
			DstPort:    tcp.DestinationPort(),
			SeqNum:     tcp.SequenceNumber(),
			AckNum:     tcp.AckNumber(),
			DataOffset: uint8(off),
			Flags:      tcp.Flags(),
			WindowSize: tcp.WindowSize(),
			Checksum:   tcp.Checksum(),
		},
		Payload: seg[off:],
	}

	// MSS is the only option honoured
	if pkt.Hdr.Flags&header.TCPFlagSyn != 0 && off > header.TCPMinimumSize {
		opts := header.ParseSynOptions(seg[header.TCPMinimumSize:off],
			pkt.Hdr.Flags&header.TCPFlagAck != 0)
		pkt.MSS = opts.MSS
	}
	return pkt, nil
}

// BuildDatagram encodes an outbound segment as a complete IPv4 datagram
// ready for the device, checksums included.
func BuildDatagram(pkt *tcpcore.Packet) []byte {
	tcpLen := header.TCPMinimumSize + len(pkt.Payload)
	buf := make([]byte, header.IPv4MinimumSize+tcpLen)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(buf)),
		TTL:         defaultTTL,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     netstackAddr(pkt.Local.Addr()),
		DstAddr:     netstackAddr(pkt.Remote.Addr()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp := header.TCP(buf[header.IPv4MinimumSize:])
	fields := pkt.Hdr
	fields.DataOffset = header.TCPMinimumSize
	fields.Checksum = 0
	tcp.Encode(&fields)
	copy(tcp[header.TCPMinimumSize:], pkt.Payload)
	tcp.SetChecksum(TCPChecksum(pkt.Local.Addr(), pkt.Remote.Addr(), buf[header.IPv4MinimumSize:]))
	return buf
}

// TCPChecksum computes the RFC 793 one's-complement checksum of a TCP
// segment, including the IPv4 pseudo-header. Over a segment with a correct
// embedded checksum the result is zero.
func TCPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	var pseudo [12]byte
	s4 := src.As4()
	d4 := dst.As4()
	copy(pseudo[0:4], s4[:])
	copy(pseudo[4:8], d4[:])
	pseudo[9] = uint8(header.TCPProtocolNumber)
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	xsum := header.Checksum(pseudo[:], 0)
	xsum = header.Checksum(segment, xsum)
	return ^xsum
}

func netstackAddr(a netip.Addr) tcpip.Address {
	a4 := a.As4()
	return tcpip.Address(a4[:])
}

func addrFromNetstack(a tcpip.Address) (netip.Addr, bool) {
	b := []byte(a)
	if len(b) != 4 {
		return netip.Addr{}, false
	}
	var a4 [4]byte
	copy(a4[:], b)
	return netip.AddrFrom4(a4), true
}
