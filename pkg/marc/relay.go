package marc

import (
	"fmt"
	"net"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// relayInfoSize is the length of a relay discovery record.
const relayInfoSize = 220

const (
	// relayVersion is announced in discovery requests.
	relayVersion = 3
	// relayVersionMySQL is the database-backed relay, which is not supported.
	relayVersionMySQL = 1
)

// relayInfo is exchanged with MArelayD to find the coordinator. The
// database credentials are never filled in.
type relayInfo struct {
	Version  uint16
	Pad0     []byte `struc:"[2]pad"`
	Address  [16]byte
	Port     uint16
	Pad1     []byte `struc:"[2]pad"`
	Database [64]byte
	User     [64]byte
	Password [64]byte
	PortUDP  uint32 `struc:",little"`
}

func newRelayRequest(client *net.UDPAddr) ([]byte, error) {
	r := relayInfo{Version: relayVersion, Port: uint16(client.Port)}
	copy(r.Address[:len(r.Address)-1], client.IP.To4().String())
	return pack(&r)
}

// coordinator returns the MArCd address named by a relay reply.
func (r *relayInfo) coordinator() (*net.UDPAddr, error) {
	if r.Version == relayVersionMySQL {
		return nil, fmt.Errorf("%w: relay version %d", caperr.ErrProtocolRejected, r.Version)
	}
	ip := net.ParseIP(cstr(r.Address[:])).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: relay named coordinator %q", caperr.ErrProtocolViolation, cstr(r.Address[:]))
	}
	if r.PortUDP == 0 || r.PortUDP > 0xffff {
		return nil, fmt.Errorf("%w: relay named port %d", caperr.ErrProtocolViolation, r.PortUDP)
	}
	return &net.UDPAddr{IP: ip, Port: int(r.PortUDP)}, nil
}

func decodeRelayInfo(b []byte) (*relayInfo, error) {
	if len(b) < relayInfoSize {
		return nil, fmt.Errorf("%w: relay record of %d bytes", caperr.ErrTruncated, len(b))
	}
	var r relayInfo
	if err := unpack(b, relayInfoSize, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
