package stream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

// queueSource replays prepared frames and times out once they run out.
type queueSource struct {
	frames [][]byte
	loop   bool
}

func (q *queueSource) recv(buf []byte, _ time.Time) ([]byte, []byte, string, error) {
	if len(q.frames) == 0 {
		return buf, nil, "", caperr.ErrTimeout
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	n := copy(buf, f)
	return buf, buf[:n], "sender", nil
}

func (q *queueSource) loopback() bool { return q.loop }
func (q *queueSource) close() error   { return nil }

func sendFrame(seq uint32, version capfile.Version, flush bool, records ...[]byte) []byte {
	sh := capfile.SendHeader{Sequence: seq, Packets: uint32(len(records)), Version: version}
	if flush {
		sh.Flush = 1
	}
	b := make([]byte, capfile.SendHeaderSize)
	sh.Put(b)
	for _, r := range records {
		b = append(b, r...)
	}
	return b
}

func frameStream(src frameSource) *Stream {
	addr := address.Address{Type: address.UDP, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 2064}
	s := newStream(addr, testOptions())
	s.r = newFrameReader(src, 4, 1500, s)
	return s
}

func readPayloads(t *testing.T, s *Stream) []string {
	t.Helper()
	var got []string
	for {
		pkt, err := s.Read(time.Second, nil)
		if err != nil {
			return got
		}
		got = append(got, string(pkt.Payload))
	}
}

func TestFrameReaderSequenceGap(t *testing.T) {
	v := capfile.LibraryVersion
	s := frameStream(&queueSource{frames: [][]byte{
		sendFrame(5, v, false, record(t, "eth0", 1, "a")),
		sendFrame(6, v, false, record(t, "eth0", 2, "b")),
		sendFrame(9, v, false, record(t, "eth0", 3, "c")),
		sendFrame(10, v, false, record(t, "eth0", 4, "d")),
	}})

	assert.Equal(t, []string{"a", "b", "c", "d"}, readPayloads(t, s))
	st := s.Stats()
	assert.Equal(t, uint64(1), st.SeqGaps)
	assert.Equal(t, uint64(4), st.Recv)
}

func TestFrameReaderSequenceWraps(t *testing.T) {
	v := capfile.LibraryVersion
	s := frameStream(&queueSource{frames: [][]byte{
		sendFrame(0xfffe, v, false, record(t, "eth0", 1, "a")),
		sendFrame(0, v, false, record(t, "eth0", 2, "b")),
		sendFrame(1, v, false, record(t, "eth0", 3, "c")),
	}})

	assert.Equal(t, []string{"a", "b", "c"}, readPayloads(t, s))
	assert.Zero(t, s.Stats().SeqGaps)
}

func TestFrameReaderDropsLoopbackDuplicates(t *testing.T) {
	v := capfile.LibraryVersion
	first := sendFrame(0, v, false, record(t, "lo", 1, "a"))
	s := frameStream(&queueSource{loop: true, frames: [][]byte{
		first,
		first,
		sendFrame(1, v, false, record(t, "lo", 2, "b")),
	}})

	assert.Equal(t, []string{"a", "b"}, readPayloads(t, s))
	assert.Zero(t, s.Stats().SeqGaps)
}

func TestFrameReaderRejectsUnsupportedVersion(t *testing.T) {
	s := frameStream(&queueSource{frames: [][]byte{
		sendFrame(0, capfile.Version{Major: 0, Minor: 9}, false, record(t, "eth0", 1, "future")),
		sendFrame(0, capfile.LibraryVersion, false, record(t, "eth0", 2, "now")),
	}})

	assert.Equal(t, []string{"now"}, readPayloads(t, s))
}

func TestFrameReaderFlushEndsStream(t *testing.T) {
	v := capfile.LibraryVersion
	s := frameStream(&queueSource{frames: [][]byte{
		sendFrame(0, v, false, record(t, "eth0", 1, "a")),
		sendFrame(1, v, true),
		sendFrame(2, v, false, record(t, "eth0", 2, "late")),
	}})

	pkt, err := s.Read(time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", string(pkt.Payload))
	_, err = s.Read(time.Second, nil)
	assert.ErrorIs(t, err, caperr.ErrEndOfStream)
}

func TestFrameReaderDropsRestOfBrokenFrame(t *testing.T) {
	v := capfile.LibraryVersion
	broken := record(t, "eth0", 2, "0123456789")
	s := frameStream(&queueSource{frames: [][]byte{
		sendFrame(0, v, false, record(t, "eth0", 1, "ok"), broken[:capfile.CaptureHeaderSize+2]),
		sendFrame(1, v, false, record(t, "eth0", 3, "next")),
	}})

	assert.Equal(t, []string{"ok", "next"}, readPayloads(t, s))
	assert.Equal(t, uint64(1), s.Stats().Desync)
}

func TestFrameReaderTimeout(t *testing.T) {
	s := frameStream(&queueSource{})
	_, err := s.Read(10*time.Millisecond, nil)
	assert.ErrorIs(t, err, caperr.ErrTimeout)
}

func TestFrameWriterPacksFrames(t *testing.T) {
	var sent [][]byte
	rec := make([]byte, 40)
	fw := newFrameWriter([]byte{0xaa, 0xbb}, capfile.SendHeaderSize+2*len(rec), func(f []byte) error {
		sent = append(sent, append([]byte(nil), f...))
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, fw.write(rec))
	}
	require.Len(t, sent, 1)
	require.NoError(t, fw.flush())
	require.NoError(t, fw.flush())
	require.NoError(t, fw.close())
	require.Len(t, sent, 3)

	wantPackets := []uint32{2, 1, 0}
	for i, f := range sent {
		assert.Equal(t, []byte{0xaa, 0xbb}, f[:2])
		sh, err := capfile.DecodeSendHeader(f[2:])
		require.NoError(t, err)
		assert.Equal(t, uint32(i), sh.Sequence)
		assert.Equal(t, wantPackets[i], sh.Packets)
		assert.Equal(t, i == 2, sh.Flushed())
		assert.Equal(t, capfile.LibraryVersion, sh.Version)
	}
}

func TestFrameWriterRejectsOversizedRecord(t *testing.T) {
	fw := newFrameWriter(nil, 64, func([]byte) error { return nil })
	err := fw.write(make([]byte, 64))
	assert.ErrorIs(t, err, caperr.ErrInvalidArgument)
}
