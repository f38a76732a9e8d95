//go:build !linux

package stream

import (
	"fmt"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

func (s *Stream) openEthernet() error {
	return fmt.Errorf("%w: ethernet streams need linux packet sockets", caperr.ErrNotSupported)
}

func (s *Stream) createEthernet() error {
	return fmt.Errorf("%w: ethernet streams need linux packet sockets", caperr.ErrNotSupported)
}
