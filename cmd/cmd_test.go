package cmd

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/DPMI/libcap-utils-sub001/internal/config"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

func testRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return &runtime{cfg: cfg, logger: log.Discard()}
}

func tcpFrame(t *testing.T, dport uint16, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// arpFrame is a who-has request without padding.
func arpFrame() []byte {
	frame := make([]byte, 42)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[12:22], []byte{0x08, 0x06, 0x00, 0x01, 0x08, 0x00, 6, 4, 0x00, 0x01})
	return frame
}

type record struct {
	frame []byte
	ts    picotime.Time
}

func writeCap(t *testing.T, path string, records ...record) {
	t.Helper()
	s, err := stream.CreateString(path, stream.Options{MAMPid: "mp-7", Comment: "test trace", Logger: log.Discard()})
	require.NoError(t, err)
	for _, r := range records {
		var h capfile.CaptureHeader
		h.SetIface("eth0")
		h.SetMAMPid("mp-7")
		h.Timestamp = r.ts
		h.Len = uint32(len(r.frame))
		h.Caplen = uint32(len(r.frame))
		require.NoError(t, s.Write(h, r.frame))
	}
	require.NoError(t, s.Close())
}

func readAll(t *testing.T, path string) []capfile.Packet {
	t.Helper()
	s, err := stream.OpenString(path, stream.Options{Logger: log.Discard()})
	require.NoError(t, err)
	defer s.Close()
	var out []capfile.Packet
	for {
		p, err := s.Read(0, nil)
		if err != nil {
			require.ErrorIs(t, err, caperr.ErrEndOfStream)
			return out
		}
		out = append(out, p)
	}
}

func TestParseFilterArgs(t *testing.T) {
	var iface, output string
	root := &cobra.Command{Use: "root"}
	root.PersistentFlags().StringVarP(&iface, "iface", "i", "", "")
	sub := &cobra.Command{Use: "sub", DisableFlagParsing: true, RunE: func(*cobra.Command, []string) error { return nil }}
	sub.Flags().StringVarP(&output, "output", "o", "", "")
	root.AddCommand(sub)

	f, pos, err := parseFilterArgs(sub, []string{
		"in.cap", "--iface", "eth3", "-i", "eth1", "--tp.dport=80", "-o", "out.cap",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"in.cap"}, pos)
	assert.Equal(t, "eth1", iface)
	assert.Equal(t, "out.cap", output)
	assert.Equal(t, filter.Iface|filter.DstPort, f.Index)
	assert.Equal(t, uint16(80), f.DstPort)
}

func TestParseFilterArgsErrors(t *testing.T) {
	sub := &cobra.Command{Use: "sub", DisableFlagParsing: true}

	_, _, err := parseFilterArgs(sub, []string{"--tp.port"})
	assert.ErrorIs(t, err, caperr.ErrInvalidArgument)

	_, _, err = parseFilterArgs(sub, []string{"--no-such-flag"})
	assert.ErrorIs(t, err, caperr.ErrInvalidArgument)
}

func TestPrintFilter(t *testing.T) {
	f, _, err := filter.Parse([]string{"--tp.dport", "80", "--caplen", "64"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printFilter(&buf, f))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 64, got["caplen"])
	assert.Equal(t, "80/0xffff", got["dst_port"])
	assert.Equal(t, "1 (tp.dport)", got["index"])
}

func TestLayerSummary(t *testing.T) {
	s := layerSummary(tcpFrame(t, 8080, "hello"))
	assert.True(t, strings.HasPrefix(s, "Ethernet/IPv4/TCP"), s)
}

func TestPrintPacket(t *testing.T) {
	var h capfile.CaptureHeader
	h.SetIface("eth0")
	h.SetMAMPid("mp-7")
	h.Timestamp = picotime.Time{Sec: 100, Psec: 5}
	h.Len, h.Caplen = 42, 42

	var buf bytes.Buffer
	require.NoError(t, printPacket(&buf, 3, capfile.Packet{Header: h, Payload: arpFrame()}, dumpOptions{Content: true}))
	lines := strings.Split(buf.String(), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "[3]:eth0:mp-7:100.000000000005:LINK(42):CAPLEN(42):Ethernet/ARP"), lines[0])
	assert.Greater(t, len(lines), 2)
}

func TestCapinfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cap")
	writeCap(t, path,
		record{tcpFrame(t, 80, "a"), picotime.Time{Sec: 100}},
		record{arpFrame(), picotime.Time{Sec: 101}},
		record{tcpFrame(t, 443, "b"), picotime.Time{Sec: 102, Psec: 500_000_000_000}},
	)

	var buf bytes.Buffer
	require.NoError(t, runCapinfo(context.Background(), testRuntime(t), []string{path}, &buf))

	var info captureInfo
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, path, info.Stream)
	assert.Equal(t, capfile.LibraryVersion.String(), info.Version)
	assert.Equal(t, "mp-7", info.MAMPid)
	assert.Equal(t, "test trace", info.Comment)
	assert.Equal(t, uint64(3), info.Packets)
	assert.Equal(t, "2.5s", info.Duration)
	assert.Equal(t, uint64(2), info.Distribution.IPv4["TCP"])
	assert.Equal(t, uint64(1), info.Distribution.ARP)
	assert.Zero(t, info.Distribution.Other)
}

func TestCapfilterCopiesMatching(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.cap")
	out := filepath.Join(dir, "out.cap")
	web := tcpFrame(t, 80, strings.Repeat("x", 100))
	writeCap(t, in,
		record{web, picotime.Time{Sec: 1}},
		record{tcpFrame(t, 53, "dns"), picotime.Time{Sec: 2}},
		record{arpFrame(), picotime.Time{Sec: 3}},
	)

	f, _, err := filter.Parse([]string{"--tp.dport", "80", "--caplen", "54"})
	require.NoError(t, err)
	n, err := runCapfilter(context.Background(), testRuntime(t), f, in, out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := readAll(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(54), got[0].Header.Caplen)
	assert.Equal(t, uint32(len(web)), got[0].Header.Len)
	assert.Equal(t, web[:54], got[0].Payload)

	s, err := stream.OpenString(out, stream.Options{Logger: log.Discard()})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "mp-7", s.MAMPid())
	assert.Equal(t, "test trace", s.Comment())
}

func TestPcapConversion(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.cap")
	pcap := filepath.Join(dir, "out.pcap")
	back := filepath.Join(dir, "back.cap")
	writeCap(t, in,
		record{tcpFrame(t, 80, "first"), picotime.Time{Sec: 10, Psec: 1_000_000}},
		record{arpFrame(), picotime.Time{Sec: 11}},
		record{tcpFrame(t, 22, "third"), picotime.Time{Sec: 12}},
	)
	rt := testRuntime(t)

	f, _, err := filter.Parse([]string{"--ip.proto", "tcp"})
	require.NoError(t, err)
	n, err := runCap2pcap(context.Background(), rt, f, in, pcapOptions{Output: pcap, Snaplen: 65535}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = runPcap2cap(rt, pcap, pcapOptions{Output: back, Label: "pcap0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := readAll(t, back)
	require.Len(t, got, 2)
	assert.Equal(t, tcpFrame(t, 80, "first"), got[0].Payload)
	assert.Equal(t, "pcap0", got[0].Header.IfaceString())
	assert.Equal(t, picotime.Time{Sec: 10, Psec: 1_000_000}, got[0].Header.Timestamp)
	assert.Equal(t, picotime.Time{Sec: 12}, got[1].Header.Timestamp)
}

func TestCap2pcapSnaplenFollowsCaplen(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.cap")
	writeCap(t, in, record{tcpFrame(t, 80, strings.Repeat("y", 200)), picotime.Time{Sec: 1}})

	f, _, err := filter.Parse([]string{"--caplen", "60"})
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err := runCap2pcap(context.Background(), testRuntime(t), f, in, pcapOptions{Output: "-", Snaplen: 65535}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// file header, then a record header whose incl_len is the snap length
	b := buf.Bytes()
	require.Greater(t, len(b), 24+16)
	assert.Equal(t, []byte{60, 0, 0, 0}, b[24+8:24+12])
	assert.Len(t, b, 24+16+60)
}

func TestResolveRelay(t *testing.T) {
	addr, err := resolveRelay("10.0.0.1", 1500)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1500", addr.String())

	addr, err = resolveRelay("10.0.0.1:99", 1500)
	require.NoError(t, err)
	assert.Equal(t, 99, addr.Port)
}
