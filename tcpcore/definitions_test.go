// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpcore

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqLess(t *testing.T) {
	assert.Equal(t, true, seqLess(0xfffffff0, 0xffffffff))
	assert.Equal(t, false, seqLess(0xffffffff, 0xfffffff0))
	assert.Equal(t, false, seqLess(0xfff, 0xfffffff0))
	assert.Equal(t, true, seqLess(0xfffffff0, 0xfff))
	assert.Equal(t, true, seqLess(0x0, 0x1))
	assert.Equal(t, false, seqLess(0x1, 0x0))
	assert.Equal(t, false, seqLess(0x1, 0x1))
	assert.Equal(t, true, seqLessOrEqual(0x1, 0x1))
}

func TestPositiveEnv(t *testing.T) {
	t.Setenv("TCPCORE_TEST_LIMIT", "42")
	assert.Equal(t, uint32(42), positiveEnv("TCPCORE_TEST_LIMIT", 7))

	t.Setenv("TCPCORE_TEST_LIMIT", "0")
	assert.Equal(t, uint32(7), positiveEnv("TCPCORE_TEST_LIMIT", 7))

	t.Setenv("TCPCORE_TEST_LIMIT", "-3")
	assert.Equal(t, uint32(7), positiveEnv("TCPCORE_TEST_LIMIT", 7))

	t.Setenv("TCPCORE_TEST_LIMIT", "plenty")
	assert.Equal(t, uint32(7), positiveEnv("TCPCORE_TEST_LIMIT", 7))

	assert.Equal(t, uint32(7), positiveEnv("TCPCORE_TEST_UNSET", 7))
}

func TestEnvLimitResolution(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("MAX_CONNECTIONS_PORT_8080", "5")
	t.Setenv("MAX_BACKLOG_PORT_8080", "2")

	assert.Equal(t, uint32(50), maxConnectionsFromEnv())
	assert.Equal(t, uint32(5), portLimitFromEnv(8080))
	// unset per-port limit falls back to the global one
	assert.Equal(t, uint32(50), portLimitFromEnv(9090))
	assert.Equal(t, uint32(2), backlogFromEnv(8080))
	assert.Equal(t, uint32(defaultBacklog), backlogFromEnv(9090))
}

func TestSegLen(t *testing.T) {
	remote := netip.MustParseAddrPort("10.0.0.1:40001")
	local := netip.MustParseAddrPort("192.168.1.1:30000")

	syn := synPacket(remote, local, 100)
	assert.Equal(t, uint32(1), syn.SegLen())

	data := dataPacket(remote, local, 100, 1, []byte("HELLO"))
	assert.Equal(t, uint32(5), data.SegLen())

	plain := ackPacket(remote, local, 100, 1)
	assert.Equal(t, uint32(0), plain.SegLen())
}

func TestFifo(t *testing.T) {
	var q fifo[int]
	_, ok := q.PopFront()
	assert.False(t, ok)

	for i := 0; i < 100; i++ {
		q.PushBack(i)
	}
	assert.Equal(t, 100, q.Len())
	for i := 0; i < 100; i++ {
		v, ok := q.PopFront()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.Empty())

	// interleaved use keeps FIFO order across compactions
	next, expect := 0, 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			q.PushBack(next)
			next++
		}
		for i := 0; i < 2; i++ {
			v, ok := q.PopFront()
			assert.True(t, ok)
			assert.Equal(t, expect, v)
			expect++
		}
	}
}
