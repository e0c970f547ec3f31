//go:build darwin

package serial

import "golang.org/x/sys/unix"

// setSpeed encodes the baud rate into the termios struct. Darwin's
// speed_t carries the numeric rate directly; rates the driver cannot
// clock are rejected at the set-termios ioctl.
func setSpeed(t *unix.Termios, baud int) {
	t.Ispeed = uint64(baud)
	t.Ospeed = uint64(baud)
}
