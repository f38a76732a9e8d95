// Package pcapio converts between capture streams and pcap files.
package pcapio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

// DefaultSnaplen is written to the header of exported files.
const DefaultSnaplen = 65535

// Reader yields pcap records as capture packets.
type Reader struct {
	r     *pcapgo.Reader
	label capfile.CaptureHeader
}

// NewReader reads the pcap file header from r. Only Ethernet captures can
// be represented in a capture stream. Records are labelled with iface and
// mampid.
func NewReader(r io.Reader, iface, mampid string) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", caperr.ErrUnrecognizedFormat, err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: link type %s", caperr.ErrNotSupported, lt)
	}
	rd := &Reader{r: pr}
	rd.label.SetIface(iface)
	rd.label.SetMAMPid(mampid)
	return rd, nil
}

// ReadPacket returns the next record, ErrEndOfStream at the end of the
// file and ErrTruncated when the file ends inside a record. Microsecond
// and nanosecond timestamps both scale to picoseconds exactly.
func (r *Reader) ReadPacket() (capfile.Packet, error) {
	data, ci, err := r.r.ReadPacketData()
	switch {
	case err == io.EOF:
		return capfile.Packet{}, caperr.ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		return capfile.Packet{}, fmt.Errorf("%w: %v", caperr.ErrTruncated, err)
	case err != nil:
		return capfile.Packet{}, fmt.Errorf("failed to read packet: %w", err)
	}

	h := r.label
	h.Timestamp = picotime.FromTime(ci.Timestamp)
	h.Len = uint32(ci.Length)
	h.Caplen = uint32(len(data))
	return capfile.Packet{Header: h, Payload: data}, nil
}

// Writer stores capture packets in a pcap file.
type Writer struct {
	w       *pcapgo.Writer
	snaplen uint32
}

// NewWriter writes a pcap file header to w. Nanosecond files keep more of
// the picosecond timestamps; microsecond files are readable everywhere.
func NewWriter(w io.Writer, snaplen uint32, nanos bool) (*Writer, error) {
	if snaplen == 0 {
		snaplen = DefaultSnaplen
	}
	pw := pcapgo.NewWriter(w)
	if nanos {
		pw = pcapgo.NewWriterNanos(w)
	}
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, caperr.Classify(err)
	}
	return &Writer{w: pw, snaplen: snaplen}, nil
}

// WritePacket appends one record. The payload is cut at the snap length.
func (w *Writer) WritePacket(p capfile.Packet) error {
	data := p.Payload
	if uint32(len(data)) > w.snaplen {
		data = data[:w.snaplen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     p.Header.Timestamp.Time(),
		CaptureLength: len(data),
		Length:        int(max(p.Header.Len, uint32(len(data)))),
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return caperr.Classify(err)
	}
	return nil
}

// pollInterval bounds each read so cancellation is noticed on live streams.
const pollInterval = time.Second

// Export copies records accepted by m from s to w until s is drained or
// ctx is done. A positive limit stops after that many records.
func Export(ctx context.Context, s *stream.Stream, w *Writer, m stream.Matcher, limit int) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		if ctx.Err() != nil {
			break
		}
		pkt, err := s.Read(pollInterval, m)
		if errors.Is(err, caperr.ErrTimeout) {
			continue
		}
		if errors.Is(err, caperr.ErrEndOfStream) {
			break
		}
		if err != nil {
			return n, err
		}
		if err := w.WritePacket(pkt); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Import copies every record of r into s.
func Import(r *Reader, s *stream.Stream) (int, error) {
	n := 0
	for {
		pkt, err := r.ReadPacket()
		if errors.Is(err, caperr.ErrEndOfStream) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if pkt.Header.Caplen == 0 {
			continue
		}
		if err := s.Copy(pkt); err != nil {
			return n, err
		}
		n++
	}
}
