package stream

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// lookupIface resolves a capture interface by name.
func lookupIface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no interface given", caperr.ErrInvalidArgument)
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %v", caperr.ErrNotFound, name, err)
	}
	return ifi, nil
}

// netError maps socket errors onto the caperr taxonomy.
func netError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return caperr.ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return caperr.ErrClosed
	}
	return caperr.Classify(err)
}

// netWriter sends frames over a connection and sends the final frame on
// close.
type netWriter struct {
	*frameWriter
	conn interface{ Close() error }
}

func (w *netWriter) close() error {
	return errors.Join(w.frameWriter.close(), w.conn.Close())
}
