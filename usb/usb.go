// Package usb talks to USB devices through the Linux usbfs character
// devices and sysfs attribute tree. It covers exactly what a host-side
// accessory daemon needs: enumeration, hot-plug events, control and bulk
// transfers, kernel driver detach and the port-level reset.
package usb

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors for transport operations. Errno values coming out of
// usbfs ioctls are mapped to these at the syscall boundary so callers can
// branch with errors.Is.
var (
	ErrNotFound = errors.New("device not found")
	ErrAccess   = errors.New("permission denied")
	ErrTimeout  = errors.New("transfer timed out")
	ErrNoDevice = errors.New("device disconnected")
	ErrIO       = errors.New("I/O error")
)

func errnoErr(errno unix.Errno) error {
	switch errno {
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.ENODEV, unix.ESHUTDOWN:
		return ErrNoDevice
	case unix.EACCES, unix.EPERM:
		return ErrAccess
	case unix.ENOENT:
		return ErrNotFound
	case unix.EIO, unix.EPIPE, unix.EOVERFLOW, unix.EPROTO, unix.EILSEQ:
		return ErrIO
	}
	return errno
}
