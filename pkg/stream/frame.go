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

// seqWrap is where send sequence numbers restart from zero.
const seqWrap = 0xffff

// frameSource delivers measurement frames. recv stores a frame in buf and
// returns the buffer, grown if needed, the bytes starting at the send
// header and a key naming the sender for sequence tracking. A zero
// deadline blocks.
type frameSource interface {
	recv(buf []byte, deadline time.Time) (out []byte, body []byte, key string, err error)
	loopback() bool
	close() error
}

// sequence follows the send sequence of one sender.
type sequence struct {
	expected uint32
}

// frameReader buffers received frames in a ring and hands out the records
// they carry in order.
type frameReader struct {
	src    frameSource
	logger log.Logger
	stats  *Stats
	label  string
	header *capfile.FileHeader

	ring         [][]byte
	bodies       [][]byte
	readPos      int
	writePos     int
	queued       int
	queuedBytes  int
	cur          []byte
	left         uint32
	seq          map[string]*sequence
	flushed      bool
	warnedDupes  bool
	versionKnown bool
}

func newFrameReader(src frameSource, frames, frameSize int, s *Stream) *frameReader {
	if frames <= 0 {
		frames = DefaultFrames
	}
	f := &frameReader{
		src:    src,
		logger: s.logger,
		stats:  &s.stats,
		label:  s.label,
		ring:   make([][]byte, frames),
		bodies: make([][]byte, frames),
		seq:    make(map[string]*sequence),
		header: &capfile.FileHeader{Version: capfile.LibraryVersion},
	}
	for i := range f.ring {
		f.ring[i] = make([]byte, frameSize)
	}
	s.stats.BufferSize = frames * frameSize
	s.header = f.header
	return f
}

func (f *frameReader) next(timeout time.Duration) (capfile.Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for f.left == 0 {
		if f.cur != nil {
			f.release()
		}
		if f.queued == 0 {
			if f.flushed {
				return capfile.Packet{}, caperr.ErrEndOfStream
			}
			if err := f.fill(deadline); err != nil {
				return capfile.Packet{}, err
			}
			continue
		}
		f.load()
	}

	// keep the ring topped up without waiting
	if f.queued < len(f.ring) && !f.flushed {
		if err := f.fill(time.Now()); err != nil && !errors.Is(err, caperr.ErrTimeout) {
			f.logger.WithError(err).Debug("opportunistic read failed")
		}
	}

	pkt, n, err := capfile.DecodePacket(f.cur)
	if err != nil {
		// the rest of this frame cannot be trusted
		f.left = 0
		if errors.Is(err, caperr.ErrTruncated) {
			err = fmt.Errorf("%w: %v", caperr.ErrDesync, err)
		}
		return capfile.Packet{}, err
	}
	f.cur = f.cur[n:]
	f.left--
	return pkt, nil
}

func (f *frameReader) load() {
	body := f.bodies[f.readPos]
	sh, _ := capfile.DecodeSendHeader(body)
	f.cur = body[capfile.SendHeaderSize:]
	f.left = sh.Packets
}

func (f *frameReader) release() {
	f.queuedBytes -= len(f.bodies[f.readPos])
	f.bodies[f.readPos] = nil
	f.readPos = (f.readPos + 1) % len(f.ring)
	f.queued--
	f.cur = nil
}

// fill receives until one frame is accepted into the ring.
func (f *frameReader) fill(deadline time.Time) error {
	if f.queued == len(f.ring) {
		return nil
	}
	for {
		buf, body, key, err := f.src.recv(f.ring[f.writePos], deadline)
		if err != nil {
			if errors.Is(err, caperr.ErrEndOfStream) {
				f.flushed = true
			}
			return err
		}
		f.ring[f.writePos] = buf
		if !f.accept(body, key) {
			continue
		}

		f.bodies[f.writePos] = body
		f.queuedBytes += len(body)
		f.writePos = (f.writePos + 1) % len(f.ring)
		f.queued++
		return nil
	}
}

// accept validates a frame and runs sequence tracking for its sender.
func (f *frameReader) accept(body []byte, key string) bool {
	sh, err := capfile.DecodeSendHeader(body)
	if err != nil {
		f.logger.WithError(err).Warn("dropping invalid measurement frame")
		return false
	}
	if int(sh.Packets)*capfile.CaptureHeaderSize > len(body)-capfile.SendHeaderSize {
		f.logger.WithField("seqnum", sh.Sequence).WithField("packets", sh.Packets).
			WithField("size", len(body)).Warn("dropping invalid measurement frame")
		return false
	}

	seq, ok := f.seq[key]
	if !ok {
		if !sh.Version.Supported() {
			f.logger.WithField("version", sh.Version.String()).WithField("sender", key).
				Error("dropping frame with unsupported stream version")
			return false
		}
		if !f.versionKnown {
			f.header.Version = sh.Version
			f.versionKnown = true
		}
		seq = &sequence{expected: sh.Sequence}
		f.seq[key] = seq
	}
	if !f.checkSequence(seq, sh, key) {
		return false
	}

	f.stats.Recv += uint64(sh.Packets)
	metrics.StreamPacketsTotal.WithLabelValues(f.label, "recv").Add(float64(sh.Packets))

	if sh.Flushed() {
		f.logger.WithField("sender", key).Info("sender terminated stream")
		f.flushed = true
	}
	return true
}

// checkSequence reports whether the frame should be used. Gaps are logged
// and the expected number resumes from the received one.
func (f *frameReader) checkSequence(seq *sequence, sh capfile.SendHeader, key string) bool {
	got := sh.Sequence

	// loopback interfaces deliver every frame twice
	if f.src.loopback() && seq.expected == got+1 {
		if !f.warnedDupes {
			f.logger.Warn("loopback device delivers duplicate frames, duplicates are ignored")
			f.warnedDupes = true
		}
		return false
	}

	if got != seq.expected {
		missing := int64(got) - int64(seq.expected)
		if missing < 0 {
			missing += seqWrap
		}
		f.stats.SeqGaps++
		metrics.StreamSequenceGapsTotal.WithLabelValues(f.label).Add(float64(missing))
		f.logger.WithFields(map[string]interface{}{
			"sender":   key,
			"expected": seq.expected,
			"got":      got,
			"missing":  missing,
			"recv":     f.stats.Recv,
		}).Warn("sequence number mismatch")
		seq.expected = got
	}

	seq.expected++
	if seq.expected >= seqWrap {
		seq.expected = 0
	}
	return true
}

func (f *frameReader) add(addr address.Address) error {
	mc, ok := f.src.(multicaster)
	if !ok {
		return fmt.Errorf("%w: transport has a single address", caperr.ErrNotSupported)
	}
	return mc.add(addr)
}

func (f *frameReader) usage() int {
	return f.queuedBytes
}

func (f *frameReader) close() error {
	return f.src.close()
}

// frameWriter packs records into frames no larger than the transport
// allows. Each frame starts with an optional link header followed by the
// send header.
type frameWriter struct {
	send   func(frame []byte) error
	prefix int
	limit  int

	buf     []byte
	packets uint32
	seq     uint32
}

// newFrameWriter returns a writer whose frames hold at most limit bytes
// after the link header.
func newFrameWriter(linkHeader []byte, limit int, send func([]byte) error) *frameWriter {
	w := &frameWriter{
		send:   send,
		prefix: len(linkHeader),
		limit:  limit,
		buf:    make([]byte, 0, len(linkHeader)+limit),
	}
	w.buf = append(w.buf, linkHeader...)
	w.reset()
	return w
}

func (w *frameWriter) reset() {
	w.buf = w.buf[:w.prefix+capfile.SendHeaderSize]
	w.packets = 0
}

func (w *frameWriter) write(rec []byte) error {
	if capfile.SendHeaderSize+len(rec) > w.limit {
		return fmt.Errorf("%w: record of %d bytes does not fit a %d byte frame", caperr.ErrInvalidArgument, len(rec), w.limit)
	}
	if len(w.buf)-w.prefix+len(rec) > w.limit {
		if err := w.emit(false); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, rec...)
	w.packets++
	return nil
}

func (w *frameWriter) flush() error {
	if w.packets == 0 {
		return nil
	}
	return w.emit(false)
}

func (w *frameWriter) close() error {
	return w.emit(true)
}

func (w *frameWriter) emit(final bool) error {
	sh := capfile.SendHeader{
		Sequence: w.seq,
		Packets:  w.packets,
		Version:  capfile.LibraryVersion,
	}
	if final {
		sh.Flush = 1
	}
	sh.Put(w.buf[w.prefix:])

	err := w.send(w.buf)
	w.seq++
	if w.seq >= seqWrap {
		w.seq = 0
	}
	w.reset()
	return err
}
