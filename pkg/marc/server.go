package marc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/DPMI/libcap-utils-sub001/internal/metrics"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

const (
	defaultSessionTTL = 10 * time.Minute
	defaultCleanup    = 1 * time.Minute
)

// ServerOptions configure NewServer.
type ServerOptions struct {
	// SessionTTL is how long a silent peer is remembered.
	SessionTTL time.Duration
	Logger     log.Logger
}

// Peer is what a server remembers about a measurement point.
type Peer struct {
	Addr     *net.UDPAddr
	MAMPid   string
	Version  capfile.Version
	Compat   bool
	LastSeen time.Time
}

// Server is the MArCd side. It accepts messages from any peer and never
// starts a handshake itself.
type Server struct {
	endpoint
	sessions *cache.Cache // peer address → *Peer
}

// NewServer binds port on all addresses; zero selects DefaultServerPort.
func NewServer(port int, opts ServerOptions) (*Server, error) {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	s := &Server{sessions: cache.New(ttl, defaultCleanup)}
	s.role = RoleServer
	s.peers = s
	s.buf = make([]byte, MaxMessageSize)
	s.logger = log.OrDefault(opts.Logger).WithField("marc", "server")

	conn, err := listenUDP(context.Background(), &net.UDPAddr{IP: net.IPv4zero, Port: resolvePort(port, DefaultServerPort)})
	if err != nil {
		return nil, fmt.Errorf("bind server socket: %w", err)
	}
	s.conn = conn
	s.logger.WithField("addr", conn.LocalAddr().String()).Info("listening")
	return s, nil
}

// Poll waits up to timeout for a message from any peer; zero waits
// forever. Peers are remembered while they keep talking. The answer to a
// pushed ping comes back as a Control message.
func (s *Server) Poll(timeout time.Duration) (Message, *net.UDPAddr, error) {
	msg, from, err := s.poll(timeout)
	if from != nil && (err == nil || errors.Is(err, caperr.ErrWouldBlock)) {
		p := s.touch(from)
		if msg != nil {
			if id := MessageMAMPid(msg); id != "" {
				p.MAMPid = id
			}
			if m, ok := msg.(*Init); ok {
				p.Version = m.Protocol
			}
		}
	}
	return msg, from, err
}

// Push sends msg to a peer.
func (s *Server) Push(msg Message, dst *net.UDPAddr) error {
	return s.push(msg, dst)
}

// Peers returns the remembered peers ordered by address.
func (s *Server) Peers() []Peer {
	items := s.sessions.Items()
	peers := make([]Peer, 0, len(items))
	for _, it := range items {
		peers = append(peers, *it.Object.(*Peer))
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Addr.String() < peers[j].Addr.String()
	})
	return peers
}

// Addr is the bound address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket and forgets all peers.
func (s *Server) Close() error {
	s.sessions.Flush()
	return s.close()
}

func (s *Server) peer(addr *net.UDPAddr) (*Peer, bool) {
	v, ok := s.sessions.Get(addr.String())
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

func (s *Server) touch(addr *net.UDPAddr) *Peer {
	p, ok := s.peer(addr)
	if !ok {
		p = &Peer{Addr: addr}
	}
	p.LastSeen = time.Now()
	s.sessions.Set(addr.String(), p, cache.DefaultExpiration)
	return p
}

func (s *Server) compat(addr *net.UDPAddr) bool {
	p, ok := s.peer(addr)
	return ok && p.Compat
}

func (s *Server) activateCompat(addr *net.UDPAddr) {
	p := s.touch(addr)
	if !p.Compat {
		p.Compat = true
		p.Version = legacyVersion
		metrics.MarcCompatActivationsTotal.WithLabelValues(RoleServer.String()).Inc()
	}
}
