//go:build linux

package stream

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

func htons(v uint16) uint16 {
	return binary.NativeEndian.Uint16(binary.BigEndian.AppendUint16(nil, v))
}

type ethSource struct {
	fd     int
	ifi    *net.Interface
	groups macGroups
}

// packetSocket opens a raw socket bound to ifi that only sees measurement
// frames.
func packetSocket(ifi *net.Interface) (int, error) {
	proto := htons(capfile.EthertypeMP)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return -1, caperr.Classify(err)
	}

	prog, err := mpFilter()
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		unix.Close(fd)
		return -1, caperr.Classify(err)
	}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return -1, caperr.Classify(err)
	}
	return fd, nil
}

func (s *Stream) openEthernet() error {
	ifi, err := lookupIface(s.opts.Iface)
	if err != nil {
		return err
	}
	frames, err := frameCount(s.opts.BufferSize, ifi.MTU)
	if err != nil {
		return err
	}

	fd, err := packetSocket(ifi)
	if err != nil {
		return err
	}
	src := &ethSource{fd: fd, ifi: ifi}
	if s.addr.IsMulticast() {
		err = src.add(s.addr)
	} else {
		src.groups = append(src.groups, s.addr.MAC)
	}
	if err != nil {
		unix.Close(fd)
		return err
	}

	s.r = newFrameReader(src, frames, ifi.MTU+ethHeaderSize, s)
	return nil
}

func (e *ethSource) recv(buf []byte, deadline time.Time) ([]byte, []byte, string, error) {
	for {
		timeout := -1
		if !deadline.IsZero() {
			timeout = max(int(time.Until(deadline).Milliseconds()), 0)
		}
		fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				return buf, nil, "", caperr.ErrInterrupted
			}
			return buf, nil, "", caperr.Classify(err)
		}
		if n == 0 {
			return buf, nil, "", caperr.ErrTimeout
		}

		n, from, err := unix.Recvfrom(e.fd, buf, unix.MSG_DONTWAIT)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return buf, nil, "", caperr.Classify(err)
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}

		dst, err := parseEthHeader(buf[:n])
		if err != nil || !e.groups.contains(dst) {
			continue
		}
		return buf, buf[ethHeaderSize:n], dst.String(), nil
	}
}

func (e *ethSource) loopback() bool {
	return e.ifi.Flags&net.FlagLoopback != 0
}

func (e *ethSource) add(addr address.Address) error {
	if !addr.IsMulticast() {
		return fmt.Errorf("%w: %s", caperr.ErrInvalidMulticast, addr)
	}
	if e.groups.contains(addr.MAC) {
		return nil
	}
	if len(e.groups) >= MaxAddresses {
		return fmt.Errorf("%w: at most %d groups per stream", caperr.ErrInvalidArgument, MaxAddresses)
	}

	mreq := unix.PacketMreq{
		Ifindex: int32(e.ifi.Index),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], addr.MAC)
	if err := unix.SetsockoptPacketMreq(e.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		return caperr.Classify(err)
	}
	e.groups = append(e.groups, addr.MAC)
	return nil
}

func (e *ethSource) close() error {
	return unix.Close(e.fd)
}

type fdCloser int

func (fd fdCloser) Close() error { return unix.Close(int(fd)) }

func (s *Stream) createEthernet() error {
	ifi, err := lookupIface(s.opts.Iface)
	if err != nil {
		return err
	}
	fd, err := packetSocket(ifi)
	if err != nil {
		return err
	}

	to := &unix.SockaddrLinklayer{
		Protocol: htons(capfile.EthertypeMP),
		Ifindex:  ifi.Index,
		Halen:    6,
	}
	copy(to.Addr[:], s.addr.MAC)

	fw := newFrameWriter(ethHeader(s.addr.MAC, ifi.HardwareAddr), ifi.MTU, func(frame []byte) error {
		return caperr.Classify(unix.Sendto(fd, frame, 0, to))
	})
	s.w = &netWriter{frameWriter: fw, conn: fdCloser(fd)}
	return nil
}
