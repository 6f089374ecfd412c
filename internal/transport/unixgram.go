package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CtrlDir is where wpa_supplicant exposes one control socket per interface.
const CtrlDir = "/var/run/wpa_supplicant"

// Unixgram is the supplicant variant: a connected AF_UNIX datagram socket.
// Each datagram is one logical record. The local end binds an abstract
// address so the daemon has somewhere to send replies and events.
type Unixgram struct {
	w     writer
	iface string
}

// OpenUnixgram connects to the control socket of iface.
func OpenUnixgram(iface string) (*Unixgram, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	// Abstract namespace: no filesystem entry to clean up on exit.
	local := &unix.SockaddrUnix{
		Name: fmt.Sprintf("\x00wpa-mqtt-%s-%d", iface, os.Getpid()),
	}
	if err := unix.Bind(fd, local); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind reply socket: %w", err)
	}

	remote := &unix.SockaddrUnix{Name: CtrlDir + "/" + iface}
	if err := unix.Connect(fd, remote); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s/%s: %w", CtrlDir, iface, err)
	}

	return &Unixgram{w: writer{fd: fd}, iface: iface}, nil
}

func (u *Unixgram) ReadChunk(p []byte) (int, error) {
	return readChunk(u.w.fd, p)
}

// WriteAll sends line as a single datagram. The supplicant protocol needs
// no terminator.
func (u *Unixgram) WriteAll(line string) error {
	return u.w.writeAll([]byte(line))
}

func (u *Unixgram) Fd() int {
	return u.w.fd
}

func (u *Unixgram) Close() error {
	return unix.Close(u.w.fd)
}

func (u *Unixgram) String() string {
	return u.iface
}
