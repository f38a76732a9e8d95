package address

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

func TestParseMACForms(t *testing.T) {
	want := net.HardwareAddr{0xcb, 0xa9, 0x87, 0x65, 0x43, 0x21}
	for _, in := range []string{"cb:a9:87:65:43:21", "cb-a9-87-65-43-21", "cba987654321", "CB:A9:87:65:43:21"} {
		got, err := ParseMAC(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseMACElision(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"01::09", "01:00:00:00:00:09"},
		{"1::9", "01:00:00:00:00:09"},
		{"01:02::09", "01:02:00:00:00:09"},
		{"::1", "00:00:00:00:00:01"},
		{"1:2:3:4:5:6", "01:02:03:04:05:06"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMAC(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseMACInvalid(t *testing.T) {
	for _, in := range []string{"", "foo", "01:02:03", "01:02:03:04:05:06:07", "1::2::3", "123:4:5:6:7:8", "01:02:03:04:05::06:07", "zz:00:00:00:00:00"} {
		_, err := ParseMAC(in)
		assert.ErrorIs(t, err, caperr.ErrParse, in)
	}
}

func TestParseSchemeGuessing(t *testing.T) {
	a, err := Parse("eth://cb:a9:87:65:43:21")
	require.NoError(t, err)
	assert.Equal(t, Ethernet, a.Type)
	assert.Equal(t, "cb:a9:87:65:43:21", a.MAC.String())

	a, err = Parse("cb:a9:87:65:43:21")
	require.NoError(t, err)
	assert.Equal(t, Ethernet, a.Type)

	a, err = Parse("file://cb:a9:87:65:43:21")
	require.NoError(t, err)
	assert.Equal(t, File, a.Type)
	assert.Equal(t, "cb:a9:87:65:43:21", a.Path)

	a, err = Parse("/tmp/trace.cap")
	require.NoError(t, err)
	assert.Equal(t, File, a.Type)
	assert.Equal(t, "/tmp/trace.cap", a.Path)
	assert.Equal(t, "/tmp/trace.cap", a.String())

	a, err = Parse("FIFO:///tmp/pipe")
	require.NoError(t, err)
	assert.Equal(t, FIFO, a.Type)
	assert.Equal(t, "/tmp/pipe", a.Path)
	assert.Equal(t, "fifo:///tmp/pipe", a.String())
}

func TestParseUnknownScheme(t *testing.T) {
	_, err := Parse("nonsense://foobar")
	assert.ErrorIs(t, err, caperr.ErrUnknownScheme)
	assert.ErrorIs(t, err, caperr.ErrParse)
}

func TestParseInet(t *testing.T) {
	a, err := Parse("udp://239.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, UDP, a.Type)
	assert.Equal(t, uint16(2064), a.Port)
	assert.True(t, a.IsMulticast())
	assert.Equal(t, "udp://239.0.0.1:2064", a.String())

	a, err = Parse("TCP://127.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, TCP, a.Type)
	assert.Equal(t, uint16(4000), a.Port)
	assert.False(t, a.IsMulticast())
	assert.Equal(t, "tcp://127.0.0.1:4000", a.String())

	_, err = Parse("tcp://host.invalid:80")
	assert.ErrorIs(t, err, caperr.ErrParse)
	_, err = Parse("udp://1.2.3.4:http")
	assert.ErrorIs(t, err, caperr.ErrParse)
	_, err = Parse("eth://nothex")
	assert.ErrorIs(t, err, caperr.ErrParse)
	_, err = Parse("")
	assert.ErrorIs(t, err, caperr.ErrParse)
}

func mustParse(t *testing.T, s string) Address {
	t.Helper()
	a, err := Parse(s)
	require.NoError(t, err)
	return a
}

func TestMulticastEthernet(t *testing.T) {
	assert.True(t, mustParse(t, "01:00:00:00:00:01").IsMulticast())
	assert.False(t, mustParse(t, "02:00:00:00:00:01").IsMulticast())
}

func TestWireForm(t *testing.T) {
	for _, in := range []string{"eth://01:00:00:00:00:01", "udp://239.1.2.3:5000", "tcp://10.0.0.1:2064", "short.cap"} {
		t.Run(in, func(t *testing.T) {
			a := mustParse(t, in)
			b, err := a.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, b, WireSize)

			var got Address
			require.NoError(t, got.UnmarshalBinary(b))
			assert.Equal(t, a.Type, got.Type)
			assert.Equal(t, a.String(), got.String())
		})
	}

	long := mustParse(t, "a-very-long-capture-file-name.cap")
	b, err := long.MarshalBinary()
	require.NoError(t, err)
	var got Address
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, "a-very-long-capture-f", got.Path)

	assert.ErrorIs(t, got.UnmarshalBinary(b[:10]), caperr.ErrTruncated)
}
