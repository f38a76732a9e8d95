package marc

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

const wait = 2 * time.Second

var loopback = net.IPv4(127, 0, 0, 1).To4()

// fakeRelay answers every discovery request with reply.
func fakeRelay(t *testing.T, reply relayInfo) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	b, err := pack(&reply)
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n == relayInfoSize {
				conn.WriteToUDP(b, from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func relayTo(port int) relayInfo {
	r := relayInfo{Version: relayVersion, PortUDP: uint32(port)}
	copy(r.Address[:], "127.0.0.1")
	return r
}

func newTestClient(t *testing.T, serverPort int) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), ClientConfig{
		ClientIP:           loopback,
		ClientPort:         EphemeralPort,
		RelayAddr:          fakeRelay(t, relayTo(serverPort)),
		RelayTimeoutFactor: 500 * time.Millisecond,
		Hostname:           "probe-1",
		MaxFilters:         8,
		MTU:                1500,
		CI:                 []string{"eth0", "eth1"},
		Logger:             log.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(EphemeralPort, ServerOptions{Logger: log.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// rawPeer is a bare socket standing in for a legacy peer.
func rawPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRaw(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, MaxMessageSize)
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

func legacyMessage(e Event, mampid string, body []byte) []byte {
	return append(prefix(e, mampid), body...)
}

func TestSession(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s.Addr().Port)
	assert.Equal(t, AwaitingServerAck, c.State())

	msg, peer, err := s.Poll(wait)
	require.NoError(t, err)
	hello, ok := msg.(*Init)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "probe-1", hello.Hostname)
	assert.Equal(t, []string{"eth0", "eth1"}, hello.CI)
	assert.Equal(t, uint16(c.LocalAddr().Port), hello.Port)
	assert.Equal(t, capfile.LibraryVersion, hello.Protocol)
	assert.False(t, hello.Legacy)

	require.NoError(t, s.Push(&Auth{MAMPid: "mp-1", Version: capfile.LibraryVersion}, peer))
	msg, _, err = c.Poll(wait)
	require.NoError(t, err)
	require.IsType(t, &Auth{}, msg)
	assert.Equal(t, Authorized, c.State())
	assert.Equal(t, "mp-1", c.MAMPid())
	assert.Equal(t, capfile.LibraryVersion, c.ServerVersion())
	assert.False(t, c.Compat())

	require.NoError(t, c.FilterRequest("mp-1", 7))
	assert.Equal(t, Active, c.State())
	msg, _, err = s.Poll(wait)
	require.NoError(t, err)
	assert.Equal(t, &FilterID{Event: FilterRequest, MAMPid: "mp-1", ID: 7}, msg)

	f := filter.New()
	f.ID = 7
	require.NoError(t, s.Push(&FilterMsg{MAMPid: "mp-1", Filter: f}, peer))
	msg, _, err = c.Poll(wait)
	require.NoError(t, err)
	fm, ok := msg.(*FilterMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint32(7), fm.Filter.ID)

	peers := s.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "mp-1", peers[0].MAMPid)
	assert.Equal(t, capfile.LibraryVersion, peers[0].Version)
	assert.False(t, peers[0].Compat)

	require.NoError(t, s.Push(&Control{Event: ControlTerminate, MAMPid: "mp-1"}, peer))
	_, _, err = c.Poll(wait)
	require.NoError(t, err)
	assert.Equal(t, Terminated, c.State())
}

func TestPingIsAnswered(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s.Addr().Port)
	_, peer, err := s.Poll(wait)
	require.NoError(t, err)

	require.NoError(t, s.Push(&Control{Event: ControlPing, MAMPid: "mp-1"}, peer))
	_, _, err = c.Poll(wait)
	assert.ErrorIs(t, err, caperr.ErrWouldBlock)

	msg, _, err := s.Poll(wait)
	require.NoError(t, err)
	assert.Equal(t, &Control{Event: ControlPing, MAMPid: "mp-1"}, msg)
}

func TestPollTimeout(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.Poll(20 * time.Millisecond)
	assert.ErrorIs(t, err, caperr.ErrWouldBlock)

	require.NoError(t, s.Close())
	_, _, err = s.Poll(20 * time.Millisecond)
	assert.ErrorIs(t, err, caperr.ErrClosed)
}

func TestLegacyServer(t *testing.T) {
	marcd := rawPeer(t)
	c := newTestClient(t, marcd.LocalAddr().(*net.UDPAddr).Port)

	b, client := readRaw(t, marcd)
	assert.Equal(t, uint32(ControlInit), binary.BigEndian.Uint32(b))

	_, err := marcd.WriteToUDP(legacyMessage(LegacyAuth, "old-1", nil), client)
	require.NoError(t, err)
	msg, _, err := c.Poll(wait)
	require.NoError(t, err)
	assert.Equal(t, &Auth{MAMPid: "old-1", Version: capfile.Version{Major: 0, Minor: 6}}, msg)
	assert.True(t, c.Compat())

	require.NoError(t, c.FilterRequest("old-1", 4))
	b, _ = readRaw(t, marcd)
	require.Len(t, b, filterIDSize)
	assert.Equal(t, uint32(LegacyFilterAdd), binary.BigEndian.Uint32(b))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(b[20:]))

	require.NoError(t, c.Push(&StatusLegacy{MAMPid: "old-1", CIStats: "eth0 ok"}))
	b, _ = readRaw(t, marcd)
	assert.Equal(t, uint32(LegacyStatus), binary.BigEndian.Uint32(b))

	f := filter.New()
	f.ID = 4
	packed, err := f.MarshalBinary()
	require.NoError(t, err)
	_, err = marcd.WriteToUDP(legacyMessage(LegacyFilterAdd, "old-1", packed), client)
	require.NoError(t, err)
	msg, _, err = c.Poll(wait)
	require.NoError(t, err)
	fm, ok := msg.(*FilterMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint32(4), fm.Filter.ID)
}

func TestLegacyGUIRequests(t *testing.T) {
	gui := rawPeer(t)
	c := newTestClient(t, gui.LocalAddr().(*net.UDPAddr).Port)
	_, client := readRaw(t, gui)

	send := func(e Event, body string) (Message, error) {
		t.Helper()
		_, err := gui.WriteToUDP(legacyMessage(e, "mp-1", []byte(body)), client)
		require.NoError(t, err)
		msg, _, err := c.Poll(wait)
		return msg, err
	}

	msg, err := send(LegacyFilterAdd, "42\x00")
	require.NoError(t, err)
	assert.Equal(t, &FilterID{Event: FilterRequest, MAMPid: "mp-1", ID: 42}, msg)

	msg, err = send(LegacyFilterDel, "3")
	require.NoError(t, err)
	assert.Equal(t, &FilterID{Event: FilterDel, MAMPid: "mp-1", ID: 3}, msg)

	msg, err = send(LegacyFilterReload, "")
	require.NoError(t, err)
	assert.Equal(t, &FilterID{Event: FilterReload, MAMPid: "mp-1", ID: AllFilters}, msg)

	_, err = send(LegacyShutdown, "")
	assert.ErrorIs(t, err, caperr.ErrWouldBlock)
	assert.False(t, c.Compat())
}

func TestLegacyMeasurementPoint(t *testing.T) {
	s := newTestServer(t)
	mp := rawPeer(t)
	dst := &net.UDPAddr{IP: loopback, Port: s.Addr().Port}

	hello := make([]byte, initLegacySize)
	binary.BigEndian.PutUint32(hello, uint32(LegacyInit))
	copy(hello[12:], "old-mp")
	_, err := mp.WriteToUDP(hello, dst)
	require.NoError(t, err)

	msg, _, err := s.Poll(wait)
	require.NoError(t, err)
	m, ok := msg.(*Init)
	require.True(t, ok, "got %T", msg)
	assert.True(t, m.Legacy)
	assert.Equal(t, "old-mp", m.Hostname)
	assert.Equal(t, capfile.Version{Major: 0, Minor: 6}, m.Protocol)
	assert.Nil(t, m.CI)

	peers := s.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Compat)
	assert.Equal(t, mp.LocalAddr().String(), peers[0].Addr.String())

	status, err := (&StatusLegacy{MAMPid: "old-mp", CIStats: "eth0 ok"}).MarshalBinary()
	require.NoError(t, err)
	binary.BigEndian.PutUint32(status, uint32(LegacyStatus))
	_, err = mp.WriteToUDP(status, dst)
	require.NoError(t, err)
	msg, _, err = s.Poll(wait)
	require.NoError(t, err)
	st, ok := msg.(*StatusLegacy)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "eth0 ok", st.CIStats)

	_, err = mp.WriteToUDP(legacyMessage(LegacyFilterAdd, "old-mp", []byte{0, 0, 0, 9}), dst)
	require.NoError(t, err)
	msg, _, err = s.Poll(wait)
	require.NoError(t, err)
	assert.Equal(t, &FilterID{Event: FilterRequest, MAMPid: "old-mp", ID: 9}, msg)

	peer := mp.LocalAddr().(*net.UDPAddr)
	sent := []struct {
		msg  Message
		code Event
	}{
		{&Auth{MAMPid: "old-mp", Version: capfile.LibraryVersion}, LegacyAuth},
		{&FilterMsg{MAMPid: "old-mp", Filter: filter.New()}, LegacyFilterAdd},
		{&FilterID{Event: FilterDel, MAMPid: "old-mp", ID: 9}, LegacyFilterDel},
		{&Control{Event: ControlTerminate, MAMPid: "old-mp"}, LegacyShutdown},
	}
	for _, tt := range sent {
		require.NoError(t, s.Push(tt.msg, peer))
		b, _ := readRaw(t, mp)
		assert.Equal(t, uint32(tt.code), binary.BigEndian.Uint32(b), "%s", tt.msg.Type())
		assert.Len(t, b, tt.msg.Size())
	}
}

func TestRelayUnreachable(t *testing.T) {
	silent := rawPeer(t)
	_, err := NewClient(context.Background(), ClientConfig{
		ClientIP:           loopback,
		ClientPort:         EphemeralPort,
		RelayAddr:          silent.LocalAddr().(*net.UDPAddr),
		RelayAttempts:      2,
		RelayTimeoutFactor: 20 * time.Millisecond,
		Logger:             log.Discard(),
	})
	assert.ErrorIs(t, err, caperr.ErrRelayUnreachable)
}

func TestRelayRejectsDatabaseRelay(t *testing.T) {
	reply := relayTo(1600)
	reply.Version = relayVersionMySQL
	_, err := NewClient(context.Background(), ClientConfig{
		ClientIP:           loopback,
		ClientPort:         EphemeralPort,
		RelayAddr:          fakeRelay(t, reply),
		RelayTimeoutFactor: 500 * time.Millisecond,
		Logger:             log.Discard(),
	})
	assert.ErrorIs(t, err, caperr.ErrProtocolRejected)
}

func TestDiscoveryHonoursContext(t *testing.T) {
	silent := rawPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(ctx, ClientConfig{
		ClientIP:           loopback,
		ClientPort:         EphemeralPort,
		RelayAddr:          silent.LocalAddr().(*net.UDPAddr),
		RelayTimeoutFactor: 10 * time.Second,
		Logger:             log.Discard(),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
