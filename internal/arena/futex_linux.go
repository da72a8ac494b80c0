//go:build linux

package arena

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks while *addr == expected, or returns immediately if it
// has already changed. A nil timeout blocks indefinitely.
func futexWait(addr *int32, expected int32, timeout *time.Duration) error {
	var ts *unix.Timespec
	if timeout != nil {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR && errno != unix.ETIMEDOUT {
		return errno
	}
	if errno == unix.ETIMEDOUT {
		return errTimedOut
	}
	return nil
}

// futexWake wakes up to count waiters blocked on addr.
func futexWake(addr *int32, count int32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(count),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
