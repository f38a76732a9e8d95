package marc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/DPMI/libcap-utils-sub001/internal/metrics"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

// Relay discovery defaults.
const (
	DefaultRelayAttempts      = 6
	DefaultRelayTimeoutFactor = 8 * time.Second
)

// State is the progress of a client session.
type State uint8

const (
	Unconnected State = iota
	AwaitingRelay
	AwaitingServerAck
	Authorized
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case AwaitingRelay:
		return "awaiting-relay"
	case AwaitingServerAck:
		return "awaiting-server-ack"
	case Authorized:
		return "authorized"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ClientConfig describes a measurement point.
type ClientConfig struct {
	// Iface is the interface MArCd is reached through. Its hardware
	// address is announced and its IPv4 address is bound.
	Iface string
	// ClientIP overrides the interface address.
	ClientIP net.IP
	// ClientPort is the local port, DefaultClientPort when zero.
	ClientPort int
	// RelayAddr is where discovery requests go, the broadcast address on
	// DefaultRelayPort when nil.
	RelayAddr          *net.UDPAddr
	RelayAttempts      int
	RelayTimeoutFactor time.Duration

	Hostname   string
	MaxFilters uint16
	MTU        uint16
	CI         []string
	Caputils   VersionEx
	Self       VersionEx
	Drivers    Drivers

	Logger log.Logger
}

// Client is the measurement point side of a session.
type Client struct {
	endpoint
	cfg ClientConfig

	state         State
	hwaddr        net.HardwareAddr
	local         *net.UDPAddr
	relay         *net.UDPAddr
	server        *net.UDPAddr
	serverVersion capfile.Version
	mampid        string
	compatMode    bool
}

// NewClient binds the client socket, finds MArCd through the relay and
// sends the init request. The context bounds relay discovery.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.RelayAttempts <= 0 {
		cfg.RelayAttempts = DefaultRelayAttempts
	}
	if cfg.RelayTimeoutFactor <= 0 {
		cfg.RelayTimeoutFactor = DefaultRelayTimeoutFactor
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	c := &Client{cfg: cfg, state: Unconnected}
	c.role = RoleClient
	c.peers = c
	c.buf = make([]byte, MaxMessageSize)
	c.logger = log.OrDefault(cfg.Logger).WithField("marc", "client")

	ip, err := c.resolveIface()
	if err != nil {
		return nil, err
	}
	conn, err := listenUDP(ctx, &net.UDPAddr{IP: ip, Port: resolvePort(cfg.ClientPort, DefaultClientPort)})
	if err != nil {
		return nil, fmt.Errorf("bind client socket: %w", err)
	}
	c.conn = conn
	c.local = &net.UDPAddr{IP: ip, Port: conn.LocalAddr().(*net.UDPAddr).Port}

	c.relay = cfg.RelayAddr
	if c.relay == nil {
		c.relay = &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultRelayPort}
	}

	c.state = AwaitingRelay
	if c.server, err = c.discover(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.state = AwaitingServerAck
	if err := c.SendInit(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) resolveIface() (net.IP, error) {
	var ip net.IP
	if c.cfg.Iface != "" {
		ifi, err := net.InterfaceByName(c.cfg.Iface)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %q: %v", caperr.ErrNotFound, c.cfg.Iface, err)
		}
		c.hwaddr = ifi.HardwareAddr
		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, caperr.Classify(err)
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				ip = ipn.IP.To4()
				break
			}
		}
	}
	if c.cfg.ClientIP != nil {
		ip = c.cfg.ClientIP.To4()
	}
	if ip == nil {
		return nil, fmt.Errorf("%w: no IPv4 address for interface %q", caperr.ErrNotFound, c.cfg.Iface)
	}
	return ip, nil
}

// discover asks the relay for the coordinator address, waiting attempt
// times the timeout factor after each request.
func (c *Client) discover(ctx context.Context) (*net.UDPAddr, error) {
	req, err := newRelayRequest(c.local)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, relayInfoSize)
	for attempt := 1; attempt <= c.cfg.RelayAttempts; attempt++ {
		timeout := time.Duration(attempt) * c.cfg.RelayTimeoutFactor
		c.logger.WithField("try", attempt).WithField("timeout", timeout).
			WithField("relay", c.relay.String()).Info("sending init request to MArelayD")
		if _, err := c.conn.WriteToUDP(req, c.relay); err != nil {
			return nil, fmt.Errorf("send relay request: %w", caperr.Classify(err))
		}

		deadline := time.Now().Add(timeout)
		for {
			if err := c.conn.SetReadDeadline(deadline); err != nil {
				return nil, caperr.Classify(err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n, from, err := c.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, os.ErrDeadlineExceeded) {
					c.logger.Debug("relay request timed out")
					break
				}
				return nil, caperr.Classify(err)
			}

			reply, err := decodeRelayInfo(buf[:n])
			if err != nil {
				c.logger.WithField("peer", from.String()).WithError(err).Debug("ignoring datagram while waiting for relay")
				continue
			}
			server, err := reply.coordinator()
			if err != nil {
				return nil, err
			}
			c.logger.WithField("version", reply.Version).WithField("marcd", server.String()).Info("got MArelayD reply")
			return server, nil
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d tries", caperr.ErrRelayUnreachable, c.cfg.RelayAttempts)
}

// SendInit announces the measurement point to MArCd.
func (c *Client) SendInit() error {
	return c.Push(&Init{
		HWAddr:     c.hwaddr,
		Hostname:   c.cfg.Hostname,
		IP:         c.local.IP,
		Port:       uint16(c.local.Port),
		MaxFilters: c.cfg.MaxFilters,
		Protocol:   capfile.LibraryVersion,
		Caputils:   c.cfg.Caputils,
		Self:       c.cfg.Self,
		Drivers:    c.cfg.Drivers,
		MTU:        c.cfg.MTU,
		CI:         c.cfg.CI,
	})
}

// Poll waits up to timeout for a message from MArCd; zero waits forever.
// It returns ErrWouldBlock when nothing usable arrived in time. Pings are
// answered internally.
func (c *Client) Poll(timeout time.Duration) (Message, *net.UDPAddr, error) {
	msg, from, err := c.poll(timeout)
	if err != nil {
		return nil, from, err
	}
	switch m := msg.(type) {
	case *Auth:
		c.serverVersion = m.Version
		c.mampid = m.MAMPid
		c.state = Authorized
		c.logger.WithField("mampid", m.MAMPid).WithField("version", m.Version.String()).Info("authorized by MArCd")
	case *Control:
		if m.Event == ControlTerminate {
			c.state = Terminated
		}
	case *FilterMsg, *FilterID:
		if c.state == Authorized {
			c.state = Active
		}
	}
	return msg, from, nil
}

// Push sends msg to MArCd.
func (c *Client) Push(msg Message) error {
	if err := c.push(msg, c.server); err != nil {
		return err
	}
	if c.state == Authorized {
		switch msg.Type() {
		case Status, Status2, Status3, DStat, FilterRequest:
			c.state = Active
		}
	}
	return nil
}

// FilterRequest asks MArCd for a filter.
func (c *Client) FilterRequest(mampid string, id uint32) error {
	return c.Push(&FilterID{Event: FilterRequest, MAMPid: mampid, ID: id})
}

// Close releases the socket.
func (c *Client) Close() error {
	c.state = Terminated
	return c.close()
}

func (c *Client) compat(*net.UDPAddr) bool { return c.compatMode }

func (c *Client) activateCompat(*net.UDPAddr) {
	if !c.compatMode {
		c.compatMode = true
		metrics.MarcCompatActivationsTotal.WithLabelValues(RoleClient.String()).Inc()
	}
}

func (c *Client) State() State                   { return c.state }
func (c *Client) Compat() bool                   { return c.compatMode }
func (c *Client) LocalAddr() *net.UDPAddr        { return c.local }
func (c *Client) ServerAddr() *net.UDPAddr       { return c.server }
func (c *Client) ServerVersion() capfile.Version { return c.serverVersion }

// MAMPid is the name assigned by MArCd at authorization.
func (c *Client) MAMPid() string { return c.mampid }
