package marc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DPMI/libcap-utils-sub001/internal/metrics"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

// Default ports.
const (
	DefaultClientPort = 2000
	DefaultRelayPort  = 1500
	DefaultServerPort = 1600
)

// EphemeralPort asks NewClient or NewServer for any free port.
const EphemeralPort = -1

// phpMaxSize bounds the bodiless messages sent by the legacy web gui.
const phpMaxSize = 100

// legacyVersion is assumed for peers detected by message size.
var legacyVersion = capfile.Version{Major: 0, Minor: 6}

// Role tells which side of the protocol an endpoint plays.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// compatTracker records which peers need legacy event codes.
type compatTracker interface {
	compat(peer *net.UDPAddr) bool
	activateCompat(peer *net.UDPAddr)
}

// endpoint is the socket side shared by clients and servers.
type endpoint struct {
	role   Role
	conn   *net.UDPConn
	logger log.Logger
	peers  compatTracker
	buf    []byte
	closed bool
}

func resolvePort(port, def int) int {
	switch port {
	case 0:
		return def
	case EphemeralPort:
		return 0
	}
	return port
}

// listenUDP binds a UDP socket that may send broadcasts.
func listenUDP(ctx context.Context, addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, caperr.Classify(err)
	}
	return pc.(*net.UDPConn), nil
}

func netError(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return caperr.ErrWouldBlock
	case errors.Is(err, net.ErrClosed):
		return caperr.ErrClosed
	}
	return caperr.Classify(err)
}

func (e *endpoint) drop(reason string, from *net.UDPAddr, ev Event) error {
	metrics.MarcDroppedTotal.WithLabelValues(reason).Inc()
	e.logger.WithField("peer", from.String()).WithField("event", ev.String()).
		WithField("reason", reason).Warn("dropping message")
	return caperr.ErrWouldBlock
}

// poll waits for one message. Timeouts, pings and messages that cannot be
// used report ErrWouldBlock. Only clients answer pings, servers see the
// pong as a Control message.
func (e *endpoint) poll(timeout time.Duration) (Message, *net.UDPAddr, error) {
	if e.closed {
		return nil, nil, caperr.ErrClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, netError(err)
	}
	n, from, err := e.conn.ReadFromUDP(e.buf)
	if err != nil {
		return nil, nil, netError(err)
	}
	b := e.buf[:n]
	if n < 4 {
		return nil, from, e.drop("short", from, 0)
	}
	ev := Event(binary.BigEndian.Uint32(b))
	metrics.MarcMessagesTotal.WithLabelValues("in", ev.String()).Inc()

	switch {
	case e.role == RoleClient && ev == LegacyAuth && n < authSize:
		e.logger.WithField("peer", from.String()).
			Warn("activating MArCd compatibility mode (v0.6), please update MArCd or restart this measurement point if a legacy gui authorized it")
		e.peers.activateCompat(from)
		return &Auth{MAMPid: cstr(b[4:min(n, PrefixSize)]), Version: legacyVersion}, from, nil

	case e.role == RoleServer && ev == LegacyInit && n < initSize:
		m, err := decodeInit(b)
		if err != nil {
			return nil, from, err
		}
		m.CI = nil
		m.Protocol = legacyVersion
		e.logger.WithField("peer", from.String()).Warn("activating MP compatibility mode (v0.6), please update the measurement point")
		e.peers.activateCompat(from)
		return m, from, nil
	}

	if e.role == RoleClient && ev == ControlPing {
		e.logger.WithField("peer", from.String()).Debug("got ping, sending pong")
		pong := &Control{Event: ControlPing, MAMPid: cstr(b[4:min(n, PrefixSize)])}
		if err := e.push(pong, from); err != nil {
			e.logger.WithError(err).Error("failed to send pong")
		}
		return nil, from, caperr.ErrWouldBlock
	}

	if e.role == RoleClient && n < phpMaxSize && ev <= LegacyFlush {
		m, err := e.legacyGUI(ev, b, from)
		return m, from, err
	}

	if e.peers.compat(from) {
		ev = FromLegacy(e.peerRole(), ev)
	}
	m, err := decodeAs(ev, b)
	if err != nil {
		metrics.MarcDroppedTotal.WithLabelValues("malformed").Inc()
		return nil, from, fmt.Errorf("%s from %s: %w", ev, from, err)
	}
	return m, from, nil
}

// legacyGUI rewrites the bodiless requests of the legacy web gui, which
// puts the filter id as text after the MAMPid.
func (e *endpoint) legacyGUI(ev Event, b []byte, from *net.UDPAddr) (Message, error) {
	id := cstr(b[4:min(len(b), PrefixSize)])
	switch ev {
	case LegacyFilterAdd:
		return &FilterID{Event: FilterRequest, MAMPid: id, ID: atoi(b[min(len(b), PrefixSize):])}, nil
	case LegacyFilterDel:
		return &FilterID{Event: FilterDel, MAMPid: id, ID: atoi(b[min(len(b), PrefixSize):])}, nil
	case LegacyFilterReload:
		return &FilterID{Event: FilterReload, MAMPid: id, ID: AllFilters}, nil
	}
	return nil, e.drop("legacy-gui", from, ev)
}

// peerRole is the role on the other end of the session.
func (e *endpoint) peerRole() Role {
	if e.role == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// push sends msg to dst, translated for legacy peers.
func (e *endpoint) push(msg Message, dst *net.UDPAddr) error {
	if e.closed {
		return caperr.ErrClosed
	}
	if dst == nil {
		return fmt.Errorf("%w: no destination for %s", caperr.ErrInvalidArgument, msg.Type())
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) != msg.Size() {
		return fmt.Errorf("%w: %s encoded to %d bytes, expected %d", caperr.ErrInvalidArgument, msg.Type(), len(b), msg.Size())
	}

	ev := msg.Type()
	if e.peers.compat(dst) {
		ev = LegacyCompat(e.role, ev)
		binary.BigEndian.PutUint32(b, uint32(ev))
	}
	if _, err := e.conn.WriteToUDP(b, dst); err != nil {
		return netError(err)
	}
	metrics.MarcMessagesTotal.WithLabelValues("out", msg.Type().String()).Inc()
	return nil
}

func (e *endpoint) close() error {
	if e.closed {
		return caperr.ErrClosed
	}
	e.closed = true
	return e.conn.Close()
}

// atoi reads a leading decimal number the way the legacy gui wrote it.
// Negative numbers wrap, so "-1" addresses every filter.
func atoi(b []byte) uint32 {
	s := strings.TrimLeft(cstr(b), " \t\n\r")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return uint32(int32(v))
}
