//go:build darwin

package serial

import "golang.org/x/sys/unix"

// macOS spellings of the termios ioctls.
const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// flushIO discards pending input and output. TIOCFLUSH wants a pointer
// to the FREAD|FWRITE selector, unlike the Linux value form.
func flushIO(fd int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCFLUSH, unix.FREAD|unix.FWRITE)
}
