package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

// stdio is the path selecting stdin or stdout.
const stdio = "-"

// fileReader keeps records in a byte buffer with read and write cursors.
// Consumed bytes are moved out before each refill.
type fileReader struct {
	src    io.Reader
	closer io.Closer
	unlink string
	stats  *Stats

	buf       []byte
	r, w      int
	eof       bool
	maxCaplen uint32
}

func newFileReader(src io.Reader, size int, maxCaplen uint32, stats *Stats) *fileReader {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if maxCaplen == 0 {
		maxCaplen = DefaultMaxCaplen
	}
	stats.BufferSize = size
	return &fileReader{src: src, buf: make([]byte, size), maxCaplen: maxCaplen, stats: stats}
}

// fill reads until at least n bytes are buffered or the source ends.
func (f *fileReader) fill(n int) error {
	if f.r > 0 {
		f.w = copy(f.buf, f.buf[f.r:f.w])
		f.r = 0
	}
	if n > len(f.buf) {
		grown := make([]byte, n)
		copy(grown, f.buf[:f.w])
		f.buf = grown
	}
	for f.w < n && !f.eof {
		m, err := f.src.Read(f.buf[f.w:])
		f.w += m
		if errors.Is(err, io.EOF) {
			f.eof = true
		} else if err != nil {
			return caperr.Classify(err)
		}
	}
	return nil
}

func (f *fileReader) next(time.Duration) (capfile.Packet, error) {
	if f.w-f.r < capfile.CaptureHeaderSize {
		if err := f.fill(capfile.CaptureHeaderSize); err != nil {
			return capfile.Packet{}, err
		}
		switch avail := f.w - f.r; {
		case avail == 0:
			return capfile.Packet{}, caperr.ErrEndOfStream
		case avail < capfile.CaptureHeaderSize:
			return capfile.Packet{}, fmt.Errorf("%w: %d trailing bytes", caperr.ErrTruncated, avail)
		}
	}

	h, err := capfile.DecodeCaptureHeader(f.buf[f.r:f.w])
	if err != nil {
		return capfile.Packet{}, err
	}
	if h.Caplen == 0 {
		f.r += capfile.CaptureHeaderSize
		return capfile.Packet{}, fmt.Errorf("%w: caplen is zero", caperr.ErrDesync)
	}
	if h.Caplen > f.maxCaplen {
		f.r += capfile.CaptureHeaderSize
		return capfile.Packet{}, fmt.Errorf("%w: caplen %d exceeds %d", caperr.ErrDesync, h.Caplen, f.maxCaplen)
	}

	size := capfile.CaptureHeaderSize + int(h.Caplen)
	if f.w-f.r < size {
		if err := f.fill(size); err != nil {
			return capfile.Packet{}, err
		}
		if f.w-f.r < size {
			return capfile.Packet{}, fmt.Errorf("%w: record needs %d bytes, %d left", caperr.ErrTruncated, size, f.w-f.r)
		}
	}

	pkt, n, err := capfile.DecodePacket(f.buf[f.r:f.w])
	if err != nil {
		return capfile.Packet{}, err
	}
	f.r += n
	f.stats.Recv++
	return pkt, nil
}

func (f *fileReader) usage() int {
	return f.w - f.r
}

func (f *fileReader) close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
	}
	if f.unlink != "" {
		err = errors.Join(err, os.Remove(f.unlink))
	}
	return err
}

type fileWriter struct {
	bw     *bufio.Writer
	closer io.Closer
	unlink string
}

func (f *fileWriter) write(rec []byte) error {
	if _, err := f.bw.Write(rec); err != nil {
		return caperr.Classify(err)
	}
	return nil
}

func (f *fileWriter) flush() error {
	return caperr.Classify(f.bw.Flush())
}

func (f *fileWriter) close() error {
	err := f.flush()
	if f.closer != nil {
		err = errors.Join(err, f.closer.Close())
	}
	if f.unlink != "" {
		err = errors.Join(err, os.Remove(f.unlink))
	}
	return err
}

func (s *Stream) openFile(fifo bool) error {
	var (
		src    io.Reader
		closer io.Closer
	)
	switch {
	case s.addr.Path == stdio && !fifo:
		src = os.Stdin
	default:
		if fifo {
			if err := mkfifo(s.addr.Path); err != nil {
				return err
			}
		}
		fp, err := os.Open(s.addr.Path)
		if err != nil {
			if fifo {
				os.Remove(s.addr.Path)
			}
			return caperr.Classify(err)
		}
		src, closer = fp, fp
	}

	hr := &headerReader{r: src}
	h, err := capfile.DecodeFileHeader(hr)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		if fifo {
			os.Remove(s.addr.Path)
		}
		return err
	}
	s.header = h

	fr := newFileReader(hr.rest(), s.opts.BufferSize, s.opts.MaxCaplen, &s.stats)
	fr.closer = closer
	if s.addr.Flags&address.Unlink != 0 {
		fr.unlink = s.addr.Path
	}
	s.r = fr
	return nil
}

func (s *Stream) createFile(fifo bool) error {
	var (
		dst    io.Writer
		closer io.Closer
	)
	switch {
	case s.addr.Path == stdio && !fifo:
		dst = os.Stdout
	default:
		if fifo {
			if err := mkfifo(s.addr.Path); err != nil {
				return err
			}
		}
		fp, err := os.OpenFile(s.addr.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			if fifo {
				os.Remove(s.addr.Path)
			}
			return caperr.Classify(err)
		}
		dst, closer = fp, fp
	}

	size := s.opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	fw := &fileWriter{bw: bufio.NewWriterSize(dst, size), closer: closer}
	if s.addr.Flags&address.Unlink != 0 {
		fw.unlink = s.addr.Path
	}
	s.stats.BufferSize = size

	if err := s.header.Encode(fw.bw); err != nil {
		fw.close()
		return err
	}
	if err := fw.flush(); err != nil {
		fw.close()
		return err
	}
	s.w = fw
	return nil
}

// headerReader lets the header decoder seek within what it has read so far
// and forward past it, so pipes and stdin decode like regular files.
type headerReader struct {
	r   io.Reader
	buf []byte
	pos int
}

func (h *headerReader) Read(p []byte) (int, error) {
	if h.pos < len(h.buf) {
		n := copy(p, h.buf[h.pos:])
		h.pos += n
		return n, nil
	}
	n, err := h.r.Read(p)
	h.buf = append(h.buf, p[:n]...)
	h.pos += n
	return n, err
}

func (h *headerReader) Seek(offset int64, whence int) (int64, error) {
	abs := offset
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		abs += int64(h.pos)
	default:
		return int64(h.pos), fmt.Errorf("%w: unsupported seek", caperr.ErrNotSupported)
	}
	if abs < 0 {
		return int64(h.pos), fmt.Errorf("%w: negative seek", caperr.ErrInvalidArgument)
	}
	if missing := abs - int64(len(h.buf)); missing > 0 {
		var more bytes.Buffer
		n, err := io.CopyN(&more, h.r, missing)
		h.buf = append(h.buf, more.Bytes()[:n]...)
		if err != nil {
			return int64(len(h.buf)), fmt.Errorf("%w: seek to %d: %v", caperr.ErrTruncated, abs, err)
		}
	}
	h.pos = int(abs)
	return abs, nil
}

// rest returns the unread buffered bytes followed by the source.
func (h *headerReader) rest() io.Reader {
	if h.pos >= len(h.buf) {
		return h.r
	}
	return io.MultiReader(bytes.NewReader(h.buf[h.pos:]), h.r)
}
