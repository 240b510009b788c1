package usb

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs ioctl requests, from <linux/usbdevice_fs.h>.
const (
	USBDEVFS_CONTROL          = 0xc0185500
	USBDEVFS_BULK             = 0xc0185502
	USBDEVFS_GETDRIVER        = 0x41045508
	USBDEVFS_CLAIMINTERFACE   = 0x8004550f
	USBDEVFS_RELEASEINTERFACE = 0x80045510
	USBDEVFS_IOCTL            = 0xc0105512
	USBDEVFS_RESET            = 0x00005514
	USBDEVFS_DISCONNECT       = 0x00005516
	USBDEVFS_CONNECT          = 0x00005517
)

type usbCtrlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type usbBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

// usbIoctl wraps sub-ioctls targeted at a specific interface, like the
// driver disconnect request.
type usbIoctl struct {
	Interface int32
	Code      int32
	Data      uintptr
}

type usbGetDriver struct {
	Interface uint32
	Driver    [256]byte
}

// DevicePath returns the usbfs character device path for a bus address.
func DevicePath(bus, addr uint8) string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, addr)
}

// DeviceHandle is an open usbfs device node. It is exclusively owned by
// one device's worker set. Close and interface claim/release take the
// lock exclusively, so Close can race a late transfer without tearing the
// fd away; transfers share the lock and may run concurrently.
type DeviceHandle struct {
	path    string
	fd      int
	claimed map[uint8]bool
	mu      sync.RWMutex
	closed  bool
}

// Open opens the device at (bus, addr) read-write.
func Open(bus, addr uint8) (*DeviceHandle, error) {
	path := DevicePath(bus, addr)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return nil, fmt.Errorf("open %s: %w", path, errnoErr(errno))
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &DeviceHandle{
		path:    path,
		fd:      fd,
		claimed: make(map[uint8]bool),
	}, nil
}

func (h *DeviceHandle) Path() string { return h.path }

func (h *DeviceHandle) ioctl(req uintptr, arg unsafe.Pointer) (int, unix.Errno) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
	return int(r), errno
}

func (h *DeviceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	for iface := range h.claimed {
		h.releaseInterfaceLocked(iface)
	}

	err := unix.Close(h.fd)
	h.closed = true
	return err
}

func (h *DeviceHandle) ClaimInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrNoDevice
	}
	if h.claimed[iface] {
		return nil
	}

	ifaceNum := uint32(iface)
	if _, errno := h.ioctl(USBDEVFS_CLAIMINTERFACE, unsafe.Pointer(&ifaceNum)); errno != 0 {
		return errnoErr(errno)
	}

	h.claimed[iface] = true
	return nil
}

func (h *DeviceHandle) ReleaseInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrNoDevice
	}
	return h.releaseInterfaceLocked(iface)
}

func (h *DeviceHandle) releaseInterfaceLocked(iface uint8) error {
	if !h.claimed[iface] {
		return nil
	}

	ifaceNum := uint32(iface)
	if _, errno := h.ioctl(USBDEVFS_RELEASEINTERFACE, unsafe.Pointer(&ifaceNum)); errno != 0 {
		return errnoErr(errno)
	}

	delete(h.claimed, iface)
	return nil
}

// KernelDriverActive reports whether a kernel driver is bound to the
// interface. The usbfs stub driver does not count.
func (h *DeviceHandle) KernelDriverActive(iface uint8) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false, ErrNoDevice
	}

	gd := usbGetDriver{Interface: uint32(iface)}
	if _, errno := h.ioctl(USBDEVFS_GETDRIVER, unsafe.Pointer(&gd)); errno != 0 {
		if errno == unix.ENODATA {
			return false, nil
		}
		return false, errnoErr(errno)
	}

	name := cstring(gd.Driver[:])
	return name != "" && name != "usbfs", nil
}

// DetachKernelDriver unbinds whatever driver holds the interface.
// ENODATA means nothing was bound, which is fine.
func (h *DeviceHandle) DetachKernelDriver(iface uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrNoDevice
	}

	cmd := usbIoctl{Interface: int32(iface), Code: USBDEVFS_DISCONNECT}
	if _, errno := h.ioctl(USBDEVFS_IOCTL, unsafe.Pointer(&cmd)); errno != 0 && errno != unix.ENODATA {
		return errnoErr(errno)
	}
	return nil
}

// ControlTransfer issues a transfer on the default control endpoint and
// returns the number of bytes moved. A zero timeout waits forever.
func (h *DeviceHandle) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrNoDevice
	}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	ctrl := usbCtrlRequest{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     uint32(timeout.Milliseconds()),
		Data:        dataPtr,
	}

	n, errno := h.ioctl(USBDEVFS_CONTROL, unsafe.Pointer(&ctrl))
	if errno != 0 {
		return 0, errnoErr(errno)
	}
	return n, nil
}

// BulkTransfer moves data on a bulk endpoint, returning the byte count.
// The direction is carried by the endpoint address.
func (h *DeviceHandle) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrNoDevice
	}

	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}

	bulk := usbBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  uint32(timeout.Milliseconds()),
		Data:     dataPtr,
	}

	n, errno := h.ioctl(USBDEVFS_BULK, unsafe.Pointer(&bulk))
	if errno != 0 {
		return 0, errnoErr(errno)
	}
	return n, nil
}

// Reset issues the kernel-level USB reset on the device node, forcing a
// re-enumeration. The node is opened write-only so it works on devices
// whose interfaces are all claimed elsewhere.
func Reset(bus, addr uint8) error {
	path := DevicePath(bus, addr)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return fmt.Errorf("open %s: %w", path, errnoErr(errno))
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_RESET, 0); errno != 0 {
		return errnoErr(errno)
	}
	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
