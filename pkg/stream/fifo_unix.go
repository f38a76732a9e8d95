//go:build unix

package stream

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

func mkfifo(path string) error {
	if err := unix.Mkfifo(path, 0o660); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: fifo %s already exists", caperr.ErrInvalidArgument, path)
		}
		return caperr.Classify(err)
	}
	return nil
}
