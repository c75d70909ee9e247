package local

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// ErrAddrInUse matches bind failures caused by an already claimed socket path.
var ErrAddrInUse = errors.New("address already in use")

// AddrInUseError reports that the socket path is already bound, either by a
// live process or by a previous instance that did not clean up.
type AddrInUseError struct {
	Path string
	Err  error
}

func (e *AddrInUseError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Path, e.Err)
}

func (e *AddrInUseError) Unwrap() []error {
	return []error{ErrAddrInUse, e.Err}
}

// isExpectedClose reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe, or connection reset.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// isNoListener reports whether a dial failed because nothing accepts on the path.
func isNoListener(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT)
}
