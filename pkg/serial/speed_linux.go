//go:build linux

package serial

import "golang.org/x/sys/unix"

// speedCodes maps the baud rates that have a dedicated CBAUD code.
var speedCodes = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// setSpeed encodes the baud rate into the termios struct. Rates with
// no CBAUD code (the 250000 some controller firmwares default to, for
// one) go through BOTHER with the numeric rate in the speed fields.
func setSpeed(t *unix.Termios, baud int) {
	code, ok := speedCodes[baud]
	if !ok {
		code = unix.BOTHER
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= code
	t.Ispeed = uint32(baud)
	t.Ospeed = uint32(baud)
}
