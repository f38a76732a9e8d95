package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/dstat"
	"github.com/DPMI/libcap-utils-sub001/pkg/marc"
)

var marcCmd = &cobra.Command{
	Use:   "marc",
	Short: "MArC control protocol endpoints",
	Long: `Reference MArC endpoints that print every message they receive.

  marc server  accepts measurement points, authorizes them and answers
               filter requests
  marc client  finds MArCd through the relay, announces itself and reports
               status until terminated`,
}

var marcServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a MArCd style coordinator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		if !cmd.Flags().Changed("port") {
			serverArgs.Port = rt.cfg.Marc.ServerPort
		}
		return runMarcServer(cmd.Context(), rt, serverArgs, cmd.OutOrStdout())
	},
}

var marcClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a measurement point control session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		if !cmd.Flags().Changed("port") {
			clientArgs.Port = rt.cfg.Marc.ClientPort
		}
		return runMarcClient(cmd.Context(), rt, clientArgs, cmd.OutOrStdout())
	},
}

// marcServerOptions are the flags of marc server.
type marcServerOptions struct {
	Port         int
	PingInterval time.Duration
	SessionTTL   time.Duration
}

// marcClientOptions are the flags of marc client.
type marcClientOptions struct {
	Port           int
	Relay          string
	IP             string
	CI             []string
	StatusInterval time.Duration
}

var (
	serverArgs marcServerOptions
	clientArgs marcClientOptions
)

func init() {
	marcServerCmd.Flags().IntVar(&serverArgs.Port, "port", marc.DefaultServerPort, "UDP port to listen on")
	marcServerCmd.Flags().DurationVar(&serverArgs.PingInterval, "ping-interval", 0, "ping every known peer this often (0 = never)")
	marcServerCmd.Flags().DurationVar(&serverArgs.SessionTTL, "session-ttl", 10*time.Minute, "forget peers silent for this long")

	marcClientCmd.Flags().IntVar(&clientArgs.Port, "port", marc.DefaultClientPort, "local UDP port")
	marcClientCmd.Flags().StringVar(&clientArgs.Relay, "relay", "", "MArelayD address (broadcast when empty)")
	marcClientCmd.Flags().StringVar(&clientArgs.IP, "ip", "", "local IPv4 address, instead of the one of --iface")
	marcClientCmd.Flags().StringSliceVar(&clientArgs.CI, "ci", nil, "capture interfaces to announce (defaults to --iface)")
	marcClientCmd.Flags().DurationVar(&clientArgs.StatusInterval, "status-interval", time.Minute, "report status this often (0 = never)")

	marcCmd.AddCommand(marcServerCmd)
	marcCmd.AddCommand(marcClientCmd)
}

func printMessage(w io.Writer, from *net.UDPAddr, msg marc.Message) {
	peer := "-"
	if from != nil {
		peer = from.String()
	}
	fmt.Fprintf(w, "%s %s mampid=%q size=%d\n", peer, msg.Type(), marc.MessageMAMPid(msg), msg.Size())
}

func runMarcServer(ctx context.Context, rt *runtime, opts marcServerOptions, out io.Writer) error {
	s, err := marc.NewServer(opts.Port, marc.ServerOptions{SessionTTL: opts.SessionTTL, Logger: rt.logger})
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Fprintf(out, "listening on %s\n", s.Addr())

	var ping <-chan time.Time
	if opts.PingInterval > 0 {
		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	assigned := 0
	for ctx.Err() == nil {
		select {
		case <-ping:
			for _, p := range s.Peers() {
				if err := s.Push(&marc.Control{Event: marc.ControlPing, MAMPid: p.MAMPid}, p.Addr); err != nil {
					rt.logger.WithError(err).WithField("peer", p.Addr.String()).Warn("ping failed")
				}
			}
		default:
		}

		msg, from, err := s.Poll(pollInterval)
		if errors.Is(err, caperr.ErrWouldBlock) {
			continue
		}
		if errors.Is(err, caperr.ErrClosed) {
			return nil
		}
		if err != nil {
			rt.logger.WithError(err).Warn("poll failed")
			continue
		}
		printMessage(out, from, msg)

		var reply marc.Message
		switch m := msg.(type) {
		case *marc.Init:
			assigned++
			id := m.MAMPid
			if id == "" {
				id = "mp" + strconv.Itoa(assigned)
			}
			reply = &marc.Auth{MAMPid: id, Version: capfile.LibraryVersion}
		case *marc.FilterID:
			if m.Event == marc.FilterRequest {
				// no filter store, every id is unknown
				reply = &marc.InvalidID{}
			}
		}
		if reply != nil {
			if err := s.Push(reply, from); err != nil {
				rt.logger.WithError(err).Warn("reply failed")
			}
		}
	}
	return nil
}

func runMarcClient(ctx context.Context, rt *runtime, opts marcClientOptions, out io.Writer) error {
	cfg := marc.ClientConfig{
		Iface:              rt.cfg.Stream.Iface,
		ClientPort:         opts.Port,
		RelayAttempts:      rt.cfg.Marc.RelayAttempts,
		RelayTimeoutFactor: rt.cfg.Marc.RelayTimeoutFactor,
		MaxFilters:         uint16(rt.cfg.Marc.MaxFilters),
		MTU:                1500,
		CI:                 opts.CI,
		Caputils:           marc.VersionEx{Major: uint8(capfile.LibraryVersion.Major), Minor: uint8(capfile.LibraryVersion.Minor)},
		Drivers:            marc.DriverRaw,
		Logger:             rt.logger,
	}
	if len(cfg.CI) == 0 && cfg.Iface != "" {
		cfg.CI = []string{cfg.Iface}
	}
	if opts.IP != "" {
		if cfg.ClientIP = net.ParseIP(opts.IP).To4(); cfg.ClientIP == nil {
			return fmt.Errorf("%w: --ip %q", caperr.ErrInvalidArgument, opts.IP)
		}
	}
	if opts.Relay != "" {
		relay, err := resolveRelay(opts.Relay, rt.cfg.Marc.RelayPort)
		if err != nil {
			return err
		}
		cfg.RelayAddr = relay
	} else {
		cfg.RelayAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: rt.cfg.Marc.RelayPort}
	}

	c, err := marc.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(out, "MArCd at %s\n", c.ServerAddr())

	var status <-chan time.Time
	if opts.StatusInterval > 0 {
		t := time.NewTicker(opts.StatusInterval)
		defer t.Stop()
		status = t.C
	}

	for ctx.Err() == nil && c.State() != marc.Terminated {
		select {
		case <-status:
			if c.State() >= marc.Authorized {
				if err := sendStatus(c, cfg.CI); err != nil {
					rt.logger.WithError(err).Warn("status report failed")
				}
			}
		default:
		}

		msg, from, err := c.Poll(pollInterval)
		if errors.Is(err, caperr.ErrWouldBlock) {
			continue
		}
		if errors.Is(err, caperr.ErrClosed) {
			return nil
		}
		if err != nil {
			rt.logger.WithError(err).Warn("poll failed")
			continue
		}
		printMessage(out, from, msg)
	}
	return nil
}

// sendStatus reports idle counters for every capture interface, as a
// status3 message and as a statistics chain.
func sendStatus(c *marc.Client, ci []string) error {
	report := &marc.StatusReport3{MAMPid: c.MAMPid()}
	var b dstat.Builder
	b.Summary(dstat.Summary{MTU: 1500, NoCI: uint8(len(ci))})
	for _, name := range ci {
		report.CI = append(report.CI, marc.CIStats{Iface: name})
		var rec dstat.Iface
		dstat.SetIface(&rec.Iface, name)
		b.Iface(rec)
	}
	if err := c.Push(report); err != nil {
		return err
	}
	chain, err := b.Bytes()
	if err != nil {
		return err
	}
	return c.Push(&marc.DStatReport{MAMPid: c.MAMPid(), Chain: chain})
}

// resolveRelay accepts host or host:port.
func resolveRelay(s string, defaultPort int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(defaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return nil, fmt.Errorf("%w: relay %q: %v", caperr.ErrInvalidArgument, s, err)
	}
	return addr, nil
}
