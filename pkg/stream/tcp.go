package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

// tcpFrameLimit bounds the frames exchanged over TCP.
const tcpFrameLimit = 65535

// tcpSource accepts a single sender. The connection is accepted on the
// first read so Open returns as soon as the listener is up.
type tcpSource struct {
	ln   *net.TCPListener
	conn *net.TCPConn
	br   *bufio.Reader
}

func (s *Stream) openTCP() error {
	ln, err := net.ListenTCP("tcp4", s.addr.TCPAddr())
	if err != nil {
		return caperr.Classify(err)
	}
	if la, ok := ln.Addr().(*net.TCPAddr); ok {
		s.addr.Port = uint16(la.Port)
	}

	frames := DefaultFrames
	if s.opts.BufferSize > 0 {
		frames = max(s.opts.BufferSize/tcpFrameLimit, 1)
	}
	s.r = newFrameReader(&tcpSource{ln: ln}, frames, tcpFrameLimit, s)
	return nil
}

func (t *tcpSource) accept(deadline time.Time) error {
	if err := t.ln.SetDeadline(deadline); err != nil {
		return netError(err)
	}
	conn, err := t.ln.AcceptTCP()
	if err != nil {
		return netError(err)
	}
	t.conn = conn
	t.br = bufio.NewReaderSize(conn, tcpFrameLimit)
	return t.ln.Close()
}

func (t *tcpSource) recv(buf []byte, deadline time.Time) ([]byte, []byte, string, error) {
	if t.conn == nil {
		if err := t.accept(deadline); err != nil {
			return buf, nil, "", err
		}
	}

	// only the wait for the next frame is bounded by the deadline
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return buf, nil, "", netError(err)
	}
	if _, err := t.br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return buf, nil, "", caperr.ErrEndOfStream
		}
		return buf, nil, "", netError(err)
	}
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return buf, nil, "", netError(err)
	}

	buf = buf[:cap(buf)]
	if _, err := io.ReadFull(t.br, buf[:capfile.SendHeaderSize]); err != nil {
		return buf, nil, "", t.readError(err)
	}
	sh, err := capfile.DecodeSendHeader(buf)
	if err != nil {
		return buf, nil, "", err
	}

	n := capfile.SendHeaderSize
	for i := uint32(0); i < sh.Packets; i++ {
		if buf, err = t.readInto(buf, n, capfile.CaptureHeaderSize); err != nil {
			return buf, nil, "", err
		}
		h, err := capfile.DecodeCaptureHeader(buf[n:])
		if err != nil {
			return buf, nil, "", err
		}
		n += capfile.CaptureHeaderSize
		if buf, err = t.readInto(buf, n, int(h.Caplen)); err != nil {
			return buf, nil, "", err
		}
		n += int(h.Caplen)
	}
	return buf, buf[:n], "tcp", nil
}

// readInto reads size bytes at buf[off:], growing buf as needed.
func (t *tcpSource) readInto(buf []byte, off, size int) ([]byte, error) {
	if off+size > tcpFrameLimit {
		return buf, fmt.Errorf("%w: frame exceeds %d bytes", caperr.ErrProtocolViolation, tcpFrameLimit)
	}
	if off+size > len(buf) {
		grown := make([]byte, tcpFrameLimit)
		copy(grown, buf[:off])
		buf = grown
	}
	if _, err := io.ReadFull(t.br, buf[off:off+size]); err != nil {
		return buf, t.readError(err)
	}
	return buf, nil
}

func (t *tcpSource) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: connection closed inside a frame", caperr.ErrTruncated)
	}
	return netError(err)
}

func (t *tcpSource) loopback() bool { return false }

func (t *tcpSource) close() error {
	if t.conn == nil {
		return t.ln.Close()
	}
	return t.conn.Close()
}

func (s *Stream) createTCP() error {
	conn, err := net.DialTCP("tcp4", nil, s.addr.TCPAddr())
	if err != nil {
		return caperr.Classify(err)
	}
	fw := newFrameWriter(nil, tcpFrameLimit, func(frame []byte) error {
		_, err := conn.Write(frame)
		return netError(err)
	})
	s.w = &netWriter{frameWriter: fw, conn: conn}
	return nil
}
