//go:build !unix

package stream

import (
	"fmt"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

func mkfifo(path string) error {
	return fmt.Errorf("%w: named pipes", caperr.ErrNotSupported)
}
