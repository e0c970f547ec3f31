//go:build linux

package serial

import "golang.org/x/sys/unix"

// Linux spellings of the termios ioctls.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// flushIO discards pending input and output. TCFLSH takes the selector
// as a plain value.
func flushIO(fd int) error {
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}
