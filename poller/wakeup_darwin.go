//go:build darwin

package poller

import "golang.org/x/sys/unix"

// CreateWakeFD creates a pipe used to coalesce cross-thread wakeups; Darwin
// has no eventfd equivalent exposed portably, so (unlike Linux) this uses a
// plain non-blocking pipe.
func CreateWakeFD() (readFD int, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// CloseWakeFD releases both ends of the wakeup pipe.
func CloseWakeFD(readFD, writeFD int) error {
	if readFD >= 0 {
		_ = unix.Close(readFD)
	}
	if writeFD >= 0 && writeFD != readFD {
		_ = unix.Close(writeFD)
	}
	return nil
}

// WriteWakeByte writes a single wakeup byte.
func WriteWakeByte(writeFD int) error {
	_, err := unix.Write(writeFD, []byte{1})
	return err
}

// DrainWakeFD reads the wakeup pipe empty (drain-level).
func DrainWakeFD(readFD int) {
	var buf [64]byte
	for {
		_, err := unix.Read(readFD, buf[:])
		if err != nil {
			return
		}
	}
}
