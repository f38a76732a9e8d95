// Package stream reads and writes capture records over files, named pipes,
// Ethernet multicast, UDP and TCP.
//
// A Stream is owned by one goroutine at a time; nothing in it is locked.
// Payloads returned by Read alias internal buffers and stay valid until the
// next Read.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/DPMI/libcap-utils-sub001/internal/metrics"
	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
)

const (
	// DefaultBufferSize is the read buffer of file streams.
	DefaultBufferSize = 175000
	// DefaultFrames is the number of frames buffered by network readers.
	DefaultFrames = 250
	// DefaultMTU is used when the interface MTU is unknown.
	DefaultMTU = 1500
	// MaxAddresses limits the multicast groups of one stream.
	MaxAddresses = 100
	// DefaultMaxCaplen bounds the stored length of a file record.
	DefaultMaxCaplen = 65535
)

// Options configure Open and Create.
type Options struct {
	// Iface is the network interface for Ethernet and multicast UDP streams.
	Iface string
	// BufferSize in bytes. Ethernet readers require a multiple of the MTU.
	// Zero selects the transport default.
	BufferSize int
	// MAMPid and Comment are stored in the header of created streams.
	MAMPid  string
	Comment string
	// Flush sends or writes every record immediately.
	Flush bool
	// MaxCaplen is the largest caplen accepted from a file. Larger records
	// are skipped as desynchronised. Zero selects DefaultMaxCaplen.
	MaxCaplen uint32
	Logger    log.Logger
}

// Matcher selects records in Read. *filter.Filter implements it.
type Matcher interface {
	Match(h *capfile.CaptureHeader, payload []byte) bool
}

// Stats are the counters of one stream.
type Stats struct {
	Recv        uint64 // records received from the transport
	Read        uint64 // records handed to the matcher
	Matched     uint64 // records returned by Read
	Written     uint64
	Desync      uint64
	SeqGaps     uint64
	BufferSize  int
	BufferUsage int // bytes waiting in the buffer
}

type reader interface {
	next(timeout time.Duration) (capfile.Packet, error)
	usage() int
	close() error
}

type writer interface {
	write(rec []byte) error
	flush() error
	close() error
}

type multicaster interface {
	add(addr address.Address) error
}

// Stream is an open capture stream.
type Stream struct {
	addr   address.Address
	opts   Options
	logger log.Logger
	header *capfile.FileHeader
	label  string

	r     reader
	w     writer
	stats Stats
	enc   []byte

	closed bool
}

func newStream(addr address.Address, opts Options) *Stream {
	logger := log.OrDefault(opts.Logger).WithField("stream", addr.String())
	opts.Logger = logger
	return &Stream{
		addr:   addr,
		opts:   opts,
		logger: logger,
		label:  addr.String(),
	}
}

// Open opens addr for reading.
func Open(addr address.Address, opts Options) (*Stream, error) {
	s := newStream(addr, opts)

	var err error
	switch addr.Type {
	case address.File:
		err = s.openFile(false)
	case address.FIFO:
		err = s.openFile(true)
	case address.Ethernet:
		err = s.openEthernet()
	case address.UDP:
		err = s.openUDP()
	case address.TCP:
		err = s.openTCP()
	default:
		err = fmt.Errorf("%w: cannot open address type %s", caperr.ErrInvalidArgument, addr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}

	s.logger.WithField("version", s.header.Version.String()).Debug("stream opened")
	return s, nil
}

// OpenString parses and opens a stream address.
func OpenString(s string, opts Options) (*Stream, error) {
	addr, err := address.Parse(s)
	if err != nil {
		return nil, err
	}
	return Open(addr, opts)
}

// Create opens addr for writing. File streams get a header carrying the
// MAMPid and comment from opts.
func Create(addr address.Address, opts Options) (*Stream, error) {
	s := newStream(addr, opts)
	s.header = capfile.NewFileHeader(opts.MAMPid, opts.Comment)

	var err error
	switch addr.Type {
	case address.File:
		err = s.createFile(false)
	case address.FIFO:
		err = s.createFile(true)
	case address.Ethernet:
		err = s.createEthernet()
	case address.UDP:
		err = s.createUDP()
	case address.TCP:
		err = s.createTCP()
	default:
		err = fmt.Errorf("%w: cannot create address type %s", caperr.ErrInvalidArgument, addr.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", addr, err)
	}

	s.logger.Debug("stream created")
	return s, nil
}

// CreateString parses and creates a stream address.
func CreateString(s string, opts Options) (*Stream, error) {
	addr, err := address.Parse(s)
	if err != nil {
		return nil, err
	}
	return Create(addr, opts)
}

// Read returns the next record accepted by m, or any record when m is nil.
// A zero timeout blocks. It returns ErrTimeout when nothing arrived in
// time and ErrEndOfStream once the stream is drained. Desynchronised
// records are logged and skipped.
func (s *Stream) Read(timeout time.Duration, m Matcher) (capfile.Packet, error) {
	if s.closed {
		return capfile.Packet{}, caperr.ErrClosed
	}
	if s.r == nil {
		return capfile.Packet{}, fmt.Errorf("%w: stream is write only", caperr.ErrNotSupported)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		wait := time.Duration(0)
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				return capfile.Packet{}, caperr.ErrTimeout
			}
		}

		pkt, err := s.r.next(wait)
		s.stats.BufferUsage = s.r.usage()
		if errors.Is(err, caperr.ErrDesync) {
			s.stats.Desync++
			metrics.StreamDesyncTotal.WithLabelValues(s.label).Inc()
			s.logger.WithError(err).Warn("skipping desynchronised record")
			continue
		}
		if err != nil {
			return capfile.Packet{}, err
		}

		s.stats.Read++
		metrics.StreamPacketsTotal.WithLabelValues(s.label, "read").Inc()
		if m != nil && !m.Match(&pkt.Header, pkt.Payload) {
			continue
		}

		s.stats.Matched++
		metrics.StreamPacketsTotal.WithLabelValues(s.label, "matched").Inc()
		metrics.StreamBytesTotal.WithLabelValues(s.label, "in").Add(float64(pkt.Size()))
		return pkt, nil
	}
}

// Write encodes and writes one record.
func (s *Stream) Write(h capfile.CaptureHeader, payload []byte) error {
	if s.closed {
		return caperr.ErrClosed
	}
	if s.w == nil {
		return fmt.Errorf("%w: stream is read only", caperr.ErrNotSupported)
	}
	if h.Caplen == 0 {
		return fmt.Errorf("%w: refusing to write a record with caplen 0", caperr.ErrInvalidArgument)
	}

	rec, err := capfile.AppendPacket(s.enc[:0], h, payload)
	if err != nil {
		return err
	}
	s.enc = rec

	if err := s.w.write(rec); err != nil {
		return err
	}
	s.stats.Written++
	metrics.StreamPacketsTotal.WithLabelValues(s.label, "written").Inc()
	metrics.StreamBytesTotal.WithLabelValues(s.label, "out").Add(float64(len(rec)))

	if s.opts.Flush {
		return s.w.flush()
	}
	return nil
}

// Copy writes a record read from another stream.
func (s *Stream) Copy(p capfile.Packet) error {
	return s.Write(p.Header, p.Payload)
}

// Flush pushes buffered records to the transport.
func (s *Stream) Flush() error {
	if s.closed {
		return caperr.ErrClosed
	}
	if s.w == nil {
		return nil
	}
	return s.w.flush()
}

// Close flushes pending writes and releases the transport. Network writers
// send a final frame marked as flushed.
func (s *Stream) Close() error {
	if s.closed {
		return caperr.ErrClosed
	}
	s.closed = true

	var err error
	if s.w != nil {
		err = s.w.close()
	}
	if s.r != nil {
		err = errors.Join(err, s.r.close())
	}
	s.logger.WithField("matched", s.stats.Matched).WithField("written", s.stats.Written).Debug("stream closed")
	return err
}

// AddAddress joins another multicast group on an Ethernet or UDP reader.
func (s *Stream) AddAddress(addr address.Address) error {
	if s.closed {
		return caperr.ErrClosed
	}
	mc, ok := s.r.(multicaster)
	if !ok {
		return fmt.Errorf("%w: %s streams have a single address", caperr.ErrNotSupported, s.addr.Type)
	}
	if addr.Type != s.addr.Type {
		return fmt.Errorf("%w: cannot add %s address to %s stream", caperr.ErrInvalidArgument, addr.Type, s.addr.Type)
	}
	return mc.add(addr)
}

func (s *Stream) Stats() Stats {
	st := s.stats
	if s.r != nil {
		st.BufferUsage = s.r.usage()
	}
	return st
}

// Header returns the file header. Network readers synthesise one from the
// first send header.
func (s *Stream) Header() *capfile.FileHeader { return s.header }

func (s *Stream) Comment() string { return s.header.Comment }
func (s *Stream) MAMPid() string { return s.header.MAMPidString() }
func (s *Stream) Version() capfile.Version { return s.header.Version }
func (s *Stream) Addr() address.Address { return s.addr }
