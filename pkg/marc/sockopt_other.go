//go:build !unix

package marc

import "syscall"

func broadcastControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
