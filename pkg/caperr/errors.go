// Package caperr defines sentinel errors shared by the capture utilities.
package caperr

import (
	"errors"
	"os"
	"syscall"
)

// Sentinel errors. Callers match with errors.Is; packages wrap them with
// fmt.Errorf("...: %w", err) to add context.
var (
	// Parsing
	ErrParse           = errors.New("caputils: parse error")
	ErrInvalidArgument = errors.New("caputils: invalid argument")
	ErrUnknownScheme   = errors.New("caputils: unknown address scheme")

	// Format and version
	ErrUnsupportedVersion = errors.New("caputils: protocol version unsupported")
	ErrUnrecognizedFormat = errors.New("caputils: unrecognized format")
	ErrTruncated          = errors.New("caputils: truncated data")

	// Read loop
	ErrDesync      = errors.New("caputils: stream desynchronized")
	ErrTimeout     = errors.New("caputils: timeout")
	ErrEndOfStream = errors.New("caputils: end of stream")
	ErrWouldBlock  = errors.New("caputils: operation would block")
	ErrInterrupted = errors.New("caputils: interrupted")

	// Transport
	ErrTransport          = errors.New("caputils: transport error")
	ErrNotFound           = errors.New("caputils: not found")
	ErrPermissionDenied   = errors.New("caputils: permission denied")
	ErrNetworkUnreachable = errors.New("caputils: network unreachable")
	ErrInvalidMulticast   = errors.New("caputils: not a multicast address")
	ErrClosed             = errors.New("caputils: stream closed")
	ErrNotSupported       = errors.New("caputils: operation not supported")

	// Control protocol
	ErrProtocolViolation = errors.New("caputils: protocol violation")
	ErrRelayUnreachable  = errors.New("caputils: relay unreachable")
	ErrProtocolRejected  = errors.New("caputils: protocol rejected by relay")
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Classify maps an operating system error onto the taxonomy while keeping the
// original error reachable through errors.Is/As. Errors that match no category
// are returned as ErrTransport.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV):
		kind = ErrNotFound
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = ErrPermissionDenied
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		kind = ErrNetworkUnreachable
	case errors.Is(err, syscall.EINTR):
		kind = ErrInterrupted
	case errors.Is(err, os.ErrDeadlineExceeded):
		kind = ErrTimeout
	default:
		kind = ErrTransport
	}
	return &classified{kind: kind, err: err}
}
