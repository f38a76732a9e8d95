package caperr

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"not exist", &os.PathError{Op: "open", Path: "/nope", Err: syscall.ENOENT}, ErrNotFound},
		{"no device", fmt.Errorf("ioctl: %w", syscall.ENODEV), ErrNotFound},
		{"permission", &os.PathError{Op: "open", Path: "/root", Err: syscall.EACCES}, ErrPermissionDenied},
		{"eperm", syscall.EPERM, ErrPermissionDenied},
		{"unreachable", syscall.ENETUNREACH, ErrNetworkUnreachable},
		{"interrupted", syscall.EINTR, ErrInterrupted},
		{"deadline", os.ErrDeadlineExceeded, ErrTimeout},
		{"other", errors.New("boom"), ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.in)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}
