// Package tun creates the layer-3 point-to-point interface paired with an
// accessory device and hands its frames to the relay as opaque payloads.
package tun

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const clonePath = "/dev/net/tun"

// HelperName is the interface bring-up helper, looked up in PATH. It
// assigns addresses, enables forwarding and installs the NAT rule.
const HelperName = "g-simple-rt-iface-up.sh"

type ifreq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

// Tun is a TUN interface backed by a blocking file descriptor. Closing
// the descriptor removes the interface, tearing down whatever the helper
// configured on it.
type Tun struct {
	fd   int
	name string
}

// Create opens the clone device and creates a new IFF_NO_PI TUN
// interface. The kernel picks the name.
func Create() (*Tun, error) {
	fd, err := unix.Open(clonePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", clonePath, err)
	}

	var req ifreq
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}

	return &Tun{fd: fd, name: cstring(req.name[:])}, nil
}

// Name returns the kernel-assigned interface name.
func (t *Tun) Name() string { return t.name }

// ReadWait waits up to timeout for a frame and reads it. A zero count
// with a nil error means the wait timed out; io.EOF means the interface
// is gone.
func (t *Tun) ReadWait(buf []byte, timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	var rfds unix.FdSet
	rfds.Zero()
	rfds.Set(t.fd)

	ready, err := unix.Select(t.fd+1, &rfds, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("select %s: %w", t.name, err)
	}
	if ready == 0 {
		return 0, nil
	}

	n, err := unix.Read(t.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", t.name, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write sends one frame. The kernel preserves frame boundaries, so a
// short write is a hard error rather than something to retry.
func (t *Tun) Write(buf []byte) (int, error) {
	n, err := unix.Write(t.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", t.name, err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("short write to %s: %d of %d bytes", t.name, n, len(buf))
	}
	return n, nil
}

func (t *Tun) Close() error {
	return unix.Close(t.fd)
}

// helperArgs builds the helper's fixed argument vector. Kept separate
// from the exec so the contract stays testable.
func helperArgs(tunName, uplink, network, prefixLen, hostAddr string) []string {
	return []string{"linux", tunName, uplink, network, prefixLen, hostAddr}
}

// BringUp runs the bring-up helper synchronously for a freshly created
// interface. A non-zero exit is fatal for the device being set up.
func BringUp(tunName, uplink, network, hostAddr string) error {
	cmd := exec.Command(HelperName, helperArgs(tunName, uplink, network, "30", hostAddr)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", HelperName, tunName, err)
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
