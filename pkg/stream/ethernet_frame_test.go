package stream

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

func TestEthHeader(t *testing.T) {
	dst, _ := net.ParseMAC("01:00:00:00:00:01")
	src, _ := net.ParseMAC("02:00:00:00:00:02")
	frame := append(ethHeader(dst, src), "body"...)

	got, err := parseEthHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, dst, got)
	assert.Equal(t, src, net.HardwareAddr(frame[6:12]))

	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	_, err = parseEthHeader(frame)
	assert.ErrorIs(t, err, caperr.ErrUnrecognizedFormat)

	_, err = parseEthHeader(frame[:10])
	assert.ErrorIs(t, err, caperr.ErrTruncated)
}

func TestMPFilterProgram(t *testing.T) {
	raw, err := mpFilter()
	require.NoError(t, err)
	prog, ok := bpf.Disassemble(raw)
	require.True(t, ok)
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)

	mp := make([]byte, 60)
	binary.BigEndian.PutUint16(mp[12:14], 0x0810)
	n, err := vm.Run(mp)
	require.NoError(t, err)
	assert.Positive(t, n)

	ip := make([]byte, 60)
	binary.BigEndian.PutUint16(ip[12:14], 0x0800)
	n, err = vm.Run(ip)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMacGroups(t *testing.T) {
	a, _ := net.ParseMAC("01:00:5e:00:00:01")
	b, _ := net.ParseMAC("01:00:5e:00:00:02")
	g := macGroups{a}
	assert.True(t, g.contains(net.HardwareAddr{0x01, 0x00, 0x5e, 0, 0, 1}))
	assert.False(t, g.contains(b))
}

func TestFrameCount(t *testing.T) {
	n, err := frameCount(0, 1500)
	require.NoError(t, err)
	assert.Equal(t, DefaultFrames, n)

	n, err = frameCount(15000, 1500)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	for _, size := range []int{1000, 1501, 2999} {
		_, err := frameCount(size, 1500)
		assert.ErrorIs(t, err, caperr.ErrInvalidArgument, "size %d", size)
	}
}
