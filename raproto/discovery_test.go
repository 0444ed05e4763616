package raproto_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/dendy/internal/binario"
	"github.com/maxpoletaev/dendy/raproto"
)

// fakePacketConn replays a fixed queue of datagrams, each tagged with the
// sender address, then reports io.EOF-like behavior via net.ErrClosed once
// drained — matching how ReceiveDiscoveryResponses is expected to stop on
// the first read error.
type fakePacketConn struct {
	queue []fakeDatagram
}

type fakeDatagram struct {
	payload []byte
	from    net.Addr
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(c.queue) == 0 {
		return 0, nil, net.ErrClosed
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	n := copy(b, next.payload)
	return n, next.from, nil
}

func buildDiscoveryResponse(port uint16, nick, core string) []byte {
	w := binario.NewWriter(nil).
		Uint32(raproto.DiscoveryResponseMagic).
		Uint32(0xABCD1234). // content crc
		Uint32(uint32(port)).
		Uint32(0) // has_password

	buf := w.
		FixedString(nick, raproto.NickLen).
		FixedString("dendy", raproto.HostStrLen).
		FixedString(core, raproto.HostStrLen).
		FixedString("1.0", raproto.HostStrLen).
		FixedString("1.9.0", raproto.HostStrLen).
		FixedString("supermario.nes", raproto.HostLongStrLen).
		FixedString("", raproto.HostLongStrLen).
		Bytes()

	return buf
}

func TestReceiveDiscoveryResponsesParsesAndDedups(t *testing.T) {
	addr1 := &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 55435}
	addr2 := &net.UDPAddr{IP: net.ParseIP("192.168.1.11"), Port: 55435}

	conn := &fakePacketConn{queue: []fakeDatagram{
		{payload: buildDiscoveryResponse(55435, "host-a", "nestopia"), from: addr1},
		{payload: buildDiscoveryResponse(55435, "host-b", "nestopia"), from: addr2},
		{payload: buildDiscoveryResponse(55435, "host-a-again", "nestopia"), from: addr1}, // dup IP
	}}

	hosts := raproto.ReceiveDiscoveryResponses(conn, nil)
	require.Len(t, hosts, 2)
	assert.Equal(t, "192.168.1.10", hosts[0].HostIP)
	assert.Equal(t, "host-a", hosts[0].Nick)
	assert.Equal(t, uint16(55435), hosts[0].Port)
	assert.Equal(t, "192.168.1.11", hosts[1].HostIP)
}

func TestHostRegistryPollAccumulates(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 55435}
	conn := &fakePacketConn{queue: []fakeDatagram{
		{payload: buildDiscoveryResponse(55436, "solo-host", "fceux"), from: addr},
	}}

	var reg raproto.HostRegistry
	reg.Poll(conn)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "solo-host", snap[0].Nick)
	assert.Equal(t, uint16(55436), snap[0].Port)
}
