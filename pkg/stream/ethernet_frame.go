package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/bpf"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

const ethHeaderSize = 14

// mpFilter accepts measurement frames and drops everything else in the
// kernel.
func mpFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: capfile.EthertypeMP, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
}

// ethHeader builds the link header of outgoing measurement frames.
func ethHeader(dst, src net.HardwareAddr) []byte {
	h := make([]byte, ethHeaderSize)
	copy(h[0:6], dst)
	copy(h[6:12], src)
	binary.BigEndian.PutUint16(h[12:14], capfile.EthertypeMP)
	return h
}

// parseEthHeader returns the destination of a measurement frame.
func parseEthHeader(frame []byte) (net.HardwareAddr, error) {
	if len(frame) < ethHeaderSize {
		return nil, fmt.Errorf("%w: ethernet frame of %d bytes", caperr.ErrTruncated, len(frame))
	}
	if et := binary.BigEndian.Uint16(frame[12:14]); et != capfile.EthertypeMP {
		return nil, fmt.Errorf("%w: ethertype 0x%04x", caperr.ErrUnrecognizedFormat, et)
	}
	return net.HardwareAddr(frame[0:6]), nil
}

// macGroups is the set of joined Ethernet groups.
type macGroups []net.HardwareAddr

func (g macGroups) contains(mac net.HardwareAddr) bool {
	for _, m := range g {
		if bytes.Equal(m, mac) {
			return true
		}
	}
	return false
}

// frameCount validates an Ethernet buffer size and returns the number of
// frames it holds.
func frameCount(bufferSize, mtu int) (int, error) {
	if bufferSize == 0 {
		return DefaultFrames, nil
	}
	if mtu <= 0 || bufferSize < mtu || bufferSize%mtu != 0 {
		return 0, fmt.Errorf("%w: buffer size %d is not a multiple of the MTU %d", caperr.ErrInvalidArgument, bufferSize, mtu)
	}
	return bufferSize / mtu, nil
}
