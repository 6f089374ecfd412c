// Package transport provides the two byte-level connections a bridge can
// sit on: a cellular modem tty in raw mode and the wpa_supplicant control
// socket. Both are opened non-blocking; the write discipline is shared.
package transport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// maxConsecutiveBlocks is how many EAGAIN writes in a row we tolerate
// before declaring the peer wedged.
const maxConsecutiveBlocks = 10

var (
	// ErrWriteAgain reports a write that would have blocked. The caller
	// schedules a retry; the command has not been sent.
	ErrWriteAgain = errors.New("transport: write would block")
	// ErrWedged reports too many consecutive blocked writes.
	ErrWedged = errors.New("transport: peer stopped accepting writes")
	// ErrShortWrite reports a partial write, which leaves the line
	// protocol in an unknown state.
	ErrShortWrite = errors.New("transport: short write")
	// ErrClosedPeer reports EOF on read.
	ErrClosedPeer = errors.New("transport: peer closed")
)

// writer tracks the consecutive-EAGAIN budget shared by both variants.
type writer struct {
	fd     int
	blocks int
}

// writeAll writes data in one syscall. EAGAIN increments the block counter
// and surfaces ErrWriteAgain (ErrWedged past the budget); success resets it.
// Anything but a complete write is an error.
func (w *writer) writeAll(data []byte) error {
	n, err := unix.Write(w.fd, data)
	if err == unix.EAGAIN {
		w.blocks++
		if w.blocks >= maxConsecutiveBlocks {
			return ErrWedged
		}
		return ErrWriteAgain
	}
	if err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	w.blocks = 0
	if n != len(data) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(data))
	}
	return nil
}

func readChunk(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("transport read: %w", err)
	}
	if n == 0 {
		return 0, ErrClosedPeer
	}
	return n, nil
}
