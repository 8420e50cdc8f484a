//go:build linux

package poller

import "golang.org/x/sys/unix"

// CreateWakeFD creates an eventfd used to coalesce cross-thread wakeups. The
// same fd serves as both read and write end.
func CreateWakeFD() (readFD int, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

// CloseWakeFD releases the wakeup fd.
func CloseWakeFD(readFD, writeFD int) error {
	if readFD >= 0 {
		return unix.Close(readFD)
	}
	return nil
}

// WriteWakeByte writes a single wakeup byte, coalescing with whatever value
// the eventfd counter already holds.
func WriteWakeByte(writeFD int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(writeFD, buf[:])
	return err
}

// DrainWakeFD reads the eventfd counter down to zero (drain-level), per the
// "drain phase clears wakeup_pending after fully reading the wakeup fd" rule.
func DrainWakeFD(readFD int) {
	var buf [8]byte
	for {
		_, err := unix.Read(readFD, buf[:])
		if err != nil {
			return
		}
	}
}
