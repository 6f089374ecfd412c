package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TTY is the modem variant: an AT interface on a serial device in raw mode.
// Commands go out as "<line>\r"; responses come back as a CRLF byte stream.
type TTY struct {
	w    writer
	path string
}

// OpenTTY opens the device non-blocking, disables all tty input/output
// processing and flushes both directions so the first command starts from a
// clean slate.
func OpenTTY(path string) (*TTY, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcgetattr %s: %w", path, err)
	}
	makeRaw(tio)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcsetattr %s: %w", path, err)
	}

	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcflush %s: %w", path, err)
	}

	return &TTY{w: writer{fd: fd}, path: path}, nil
}

// makeRaw disables every input, output and local processing flag, leaving
// 8-bit characters and an enabled receiver.
func makeRaw(tio *unix.Termios) {
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0
}

func (t *TTY) ReadChunk(p []byte) (int, error) {
	return readChunk(t.w.fd, p)
}

// WriteAll frames line with the AT terminator and writes it whole.
func (t *TTY) WriteAll(line string) error {
	return t.w.writeAll([]byte(line + "\r"))
}

func (t *TTY) Fd() int {
	return t.w.fd
}

func (t *TTY) Close() error {
	return unix.Close(t.w.fd)
}

func (t *TTY) String() string {
	return t.path
}
