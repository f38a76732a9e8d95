package stream

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// udpHeaderOverhead is the IPv4 and UDP header size.
const udpHeaderOverhead = 28

type udpSource struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	ifi    *net.Interface
	groups []net.IP
}

func (s *Stream) openUDP() error {
	src := &udpSource{}
	mtu := DefaultMTU

	if s.addr.IsMulticast() {
		ifi, err := lookupIface(s.opts.Iface)
		if err != nil {
			return fmt.Errorf("multicast needs an interface: %w", err)
		}
		src.ifi = ifi
		mtu = ifi.MTU

		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(s.addr.Port)})
		if err != nil {
			return caperr.Classify(err)
		}
		src.conn = conn
		src.pc = ipv4.NewPacketConn(conn)
		if err := src.add(s.addr); err != nil {
			conn.Close()
			return err
		}
	} else {
		conn, err := net.ListenUDP("udp4", s.addr.UDPAddr())
		if err != nil {
			return caperr.Classify(err)
		}
		src.conn = conn
		if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			s.addr.Port = uint16(la.Port)
		}
	}

	frames := DefaultFrames
	if s.opts.BufferSize > 0 {
		frames = max(s.opts.BufferSize/mtu, 1)
	}
	s.r = newFrameReader(src, frames, mtu, s)
	return nil
}

func (u *udpSource) recv(buf []byte, deadline time.Time) ([]byte, []byte, string, error) {
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return buf, nil, "", netError(err)
	}
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return buf, nil, "", netError(err)
	}
	return buf, buf[:n], from.String(), nil
}

func (u *udpSource) loopback() bool {
	return u.ifi != nil && u.ifi.Flags&net.FlagLoopback != 0
}

func (u *udpSource) add(addr address.Address) error {
	if u.pc == nil || !addr.IsMulticast() {
		return fmt.Errorf("%w: %s", caperr.ErrInvalidMulticast, addr)
	}
	for _, g := range u.groups {
		if g.Equal(addr.IP) {
			return nil
		}
	}
	if len(u.groups) >= MaxAddresses {
		return fmt.Errorf("%w: at most %d groups per stream", caperr.ErrInvalidArgument, MaxAddresses)
	}
	if err := u.pc.JoinGroup(u.ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
		return caperr.Classify(err)
	}
	u.groups = append(u.groups, addr.IP)
	return nil
}

func (u *udpSource) close() error {
	return u.conn.Close()
}

func (s *Stream) createUDP() error {
	mtu := DefaultMTU
	var ifi *net.Interface
	if s.opts.Iface != "" {
		var err error
		if ifi, err = lookupIface(s.opts.Iface); err != nil {
			return err
		}
		mtu = ifi.MTU
	}

	conn, err := net.DialUDP("udp4", nil, s.addr.UDPAddr())
	if err != nil {
		return caperr.Classify(err)
	}
	if ifi != nil && s.addr.IsMulticast() {
		if err := ipv4.NewPacketConn(conn).SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return caperr.Classify(err)
		}
	}

	fw := newFrameWriter(nil, mtu-udpHeaderOverhead, func(frame []byte) error {
		_, err := conn.Write(frame)
		return netError(err)
	})
	s.w = &netWriter{frameWriter: fw, conn: conn}
	return nil
}
