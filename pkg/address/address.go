// Package address parses stream addresses of the form [scheme://]target.
package address

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lunixbochs/struc"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

// Type selects the transport an address refers to. The numeric values are
// part of the wire form.
type Type uint16

const (
	File Type = iota
	Ethernet
	UDP
	TCP
	FIFO
)

func (t Type) String() string {
	switch t {
	case File:
		return "file"
	case Ethernet:
		return "eth"
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case FIFO:
		return "fifo"
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Flags qualify an address.
type Flags uint16

const (
	// Local marks a path that only makes sense on this host.
	Local Flags = 1 << 0
	// Unlink removes the path when the stream closes.
	Unlink Flags = 1 << 1
)

// WireSize is the length of an encoded address.
const WireSize = 30

const wireFilenameSize = 22

// Address is a parsed stream address.
type Address struct {
	Type  Type
	Flags Flags
	Path  string           // File, FIFO
	MAC   net.HardwareAddr // Ethernet
	IP    net.IP           // UDP, TCP
	Port  uint16           // UDP, TCP
}

// Parse resolves s into an address. An explicit scheme always wins; without
// one a MAC literal selects Ethernet and anything else is a file path.
func Parse(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty address", caperr.ErrParse)
	}

	scheme, target, ok := strings.Cut(s, "://")
	if !ok {
		if mac, err := ParseMAC(s); err == nil {
			return Address{Type: Ethernet, MAC: mac}, nil
		}
		return Address{Type: File, Flags: Local, Path: s}, nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		return Address{Type: File, Flags: Local, Path: target}, nil
	case "fifo":
		return Address{Type: FIFO, Flags: Local | Unlink, Path: target}, nil
	case "eth":
		mac, err := ParseMAC(target)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: Ethernet, MAC: mac}, nil
	case "udp":
		return parseInet(UDP, target)
	case "tcp":
		return parseInet(TCP, target)
	}
	return Address{}, fmt.Errorf("%w: %w %q", caperr.ErrParse, caperr.ErrUnknownScheme, scheme)
}

func parseInet(t Type, target string) (Address, error) {
	host, portStr, hasPort := strings.Cut(target, ":")
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return Address{}, fmt.Errorf("%w: invalid IPv4 address %q", caperr.ErrParse, host)
	}
	port := uint16(capfile.DefaultPort)
	if hasPort {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("%w: invalid port %q", caperr.ErrParse, portStr)
		}
		port = uint16(p)
	}
	return Address{Type: t, IP: ip, Port: port}, nil
}

func (a Address) String() string {
	switch a.Type {
	case Ethernet:
		return "eth://" + a.MAC.String()
	case UDP, TCP:
		return fmt.Sprintf("%s://%s:%d", a.Type, a.IP, a.Port)
	case FIFO:
		return "fifo://" + a.Path
	}
	return a.Path
}

// UDPAddr returns the socket address of a UDP or TCP address.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// IsMulticast reports whether an Ethernet or UDP address is a group address.
func (a Address) IsMulticast() bool {
	switch a.Type {
	case Ethernet:
		return len(a.MAC) == 6 && a.MAC[0]&0x01 == 0x01
	case UDP:
		return a.IP.IsMulticast()
	}
	return false
}

type wireAddr struct {
	Buffer [26]byte
	Type   uint16
	Flags  uint16
}

// MarshalBinary encodes the address in its fixed network form. Paths longer
// than the embedded field are truncated.
func (a Address) MarshalBinary() ([]byte, error) {
	w := wireAddr{Type: uint16(a.Type)}
	switch a.Type {
	case Ethernet:
		copy(w.Buffer[:6], a.MAC)
	case UDP, TCP:
		copy(w.Buffer[:4], a.IP.To4())
		w.Buffer[4] = byte(a.Port >> 8)
		w.Buffer[5] = byte(a.Port)
	default:
		copy(w.Buffer[:wireFilenameSize-1], a.Path)
		// local-only flags are meaningless to a remote peer
		w.Flags = uint16(a.Flags &^ Local)
	}
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Address) UnmarshalBinary(b []byte) error {
	if len(b) < WireSize {
		return fmt.Errorf("%w: address needs %d bytes, have %d", caperr.ErrTruncated, WireSize, len(b))
	}
	var w wireAddr
	if err := struc.Unpack(bytes.NewReader(b[:WireSize]), &w); err != nil {
		return err
	}
	*a = Address{Type: Type(w.Type), Flags: Flags(w.Flags)}
	switch a.Type {
	case Ethernet:
		a.MAC = append(net.HardwareAddr(nil), w.Buffer[:6]...)
	case UDP, TCP:
		a.IP = net.IPv4(w.Buffer[0], w.Buffer[1], w.Buffer[2], w.Buffer[3]).To4()
		a.Port = uint16(w.Buffer[4])<<8 | uint16(w.Buffer[5])
	case File, FIFO:
		name := w.Buffer[:wireFilenameSize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		a.Path = string(name)
	default:
		return fmt.Errorf("%w: unknown address type %d", caperr.ErrParse, w.Type)
	}
	return nil
}

// IsSet reports whether the address holds anything.
func (a Address) IsSet() bool {
	return a.Type != File || a.Path != ""
}
