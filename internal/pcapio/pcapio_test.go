package pcapio

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

func packet(payload string, ts picotime.Time) capfile.Packet {
	var h capfile.CaptureHeader
	h.SetIface("eth0")
	h.SetMAMPid("mp-1")
	h.Timestamp = ts
	h.Len = uint32(len(payload))
	h.Caplen = uint32(len(payload))
	return capfile.Packet{Header: h, Payload: []byte(payload)}
}

func roundTrip(t *testing.T, nanos bool, p capfile.Packet) capfile.Packet {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, nanos)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(p))

	r, err := NewReader(&buf, "pcap0", "mp-x")
	require.NoError(t, err)
	got, err := r.ReadPacket()
	require.NoError(t, err)
	_, err = r.ReadPacket()
	assert.ErrorIs(t, err, caperr.ErrEndOfStream)
	return got
}

func TestTimestampResolution(t *testing.T) {
	ts := picotime.Time{Sec: 1_700_000_000, Psec: 123_456_789_123}

	got := roundTrip(t, true, packet("hello", ts))
	assert.Equal(t, picotime.Time{Sec: 1_700_000_000, Psec: 123_456_789_000}, got.Header.Timestamp)

	got = roundTrip(t, false, packet("hello", ts))
	assert.Equal(t, picotime.Time{Sec: 1_700_000_000, Psec: 123_456_000_000}, got.Header.Timestamp)
	assert.Equal(t, "hello", string(got.Payload))
	assert.Equal(t, "pcap0", got.Header.IfaceString())
	assert.Equal(t, "mp-x", got.Header.MAMPidString())
	assert.Equal(t, uint32(5), got.Header.Caplen)
}

func TestWriterCutsAtSnaplen(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 4, false)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(packet("abcdefgh", picotime.Time{Sec: 1})))

	r, err := NewReader(&buf, "", "")
	require.NoError(t, err)
	got, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got.Payload))
	assert.Equal(t, uint32(4), got.Header.Caplen)
	assert.Equal(t, uint32(8), got.Header.Len)
}

func TestReaderRejects(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("definitely not a pcap file")), "", "")
	assert.ErrorIs(t, err, caperr.ErrUnrecognizedFormat)

	var buf bytes.Buffer
	require.NoError(t, pcapgo.NewWriter(&buf).WriteFileHeader(65535, layers.LinkTypeRaw))
	_, err = NewReader(&buf, "", "")
	assert.ErrorIs(t, err, caperr.ErrNotSupported)
}

func TestReaderTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0, false)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(packet("0123456789", picotime.Time{Sec: 1})))

	b := buf.Bytes()
	r, err := NewReader(bytes.NewReader(b[:len(b)-3]), "", "")
	require.NoError(t, err)
	_, err = r.ReadPacket()
	assert.ErrorIs(t, err, caperr.ErrTruncated)
}

func capAddr(path string) address.Address {
	return address.Address{Type: address.File, Flags: address.Local, Path: path}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	opts := stream.Options{Logger: log.Discard()}

	src, err := stream.Create(capAddr(filepath.Join(dir, "in.cap")), opts)
	require.NoError(t, err)
	for i, p := range []string{"alpha", "bravo", "charlie"} {
		pkt := packet(p, picotime.Time{Sec: uint32(100 + i), Psec: 42_000_000})
		require.NoError(t, src.Write(pkt.Header, pkt.Payload))
	}
	require.NoError(t, src.Close())

	in, err := stream.Open(capAddr(filepath.Join(dir, "in.cap")), opts)
	require.NoError(t, err)
	defer in.Close()

	var pcap bytes.Buffer
	w, err := NewWriter(&pcap, 0, false)
	require.NoError(t, err)
	n, err := Export(context.Background(), in, w, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := NewReader(&pcap, "eth7", "mp-2")
	require.NoError(t, err)
	out, err := stream.Create(capAddr(filepath.Join(dir, "out.cap")), opts)
	require.NoError(t, err)
	n, err = Import(r, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, out.Close())

	back, err := stream.Open(capAddr(filepath.Join(dir, "out.cap")), opts)
	require.NoError(t, err)
	defer back.Close()
	for i, want := range []string{"alpha", "bravo"} {
		pkt, err := back.Read(0, nil)
		require.NoError(t, err)
		assert.Equal(t, want, string(pkt.Payload))
		assert.Equal(t, "eth7", pkt.Header.IfaceString())
		assert.Equal(t, picotime.Time{Sec: uint32(100 + i), Psec: 42_000_000}, pkt.Header.Timestamp)
	}
	_, err = back.Read(0, nil)
	assert.ErrorIs(t, err, caperr.ErrEndOfStream)
}
