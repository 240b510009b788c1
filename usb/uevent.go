package usb

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Action is a hot-plug event kind. Only add and remove are delivered.
type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
)

// Event is one hot-plug notification for a usb_device. Identification
// fields are populated for Add only; a Remove carries just the port.
type Event struct {
	Action Action
	PortID string
	VID    uint16
	PID    uint16
	Bus    uint8
	Addr   uint8
}

// Monitor subscribes to kernel uevents for the usb/usb_device subsystem.
// Run first synthesizes an add event for every device already present,
// then delivers live events until Close.
type Monitor struct {
	fd        int
	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
}

// NewMonitor opens and binds the kernel uevent netlink socket. Group 1 is
// the kernel broadcast group; udev traffic uses a different group and is
// never seen here.
func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent bind: %w", err)
	}

	return &Monitor{
		fd:      fd,
		events:  make(chan Event, 16),
		closing: make(chan struct{}),
	}, nil
}

// Events returns the delivery channel. It is closed when Run returns.
func (m *Monitor) Events() <-chan Event { return m.events }

// Run performs the initial scan and then reads uevents until the socket
// is closed. It is meant to be run on its own goroutine.
func (m *Monitor) Run() {
	defer close(m.events)

	if devices, err := Enumerate(); err == nil {
		for _, info := range devices {
			ev := Event{
				Action: Add,
				PortID: info.PortID,
				VID:    info.VID,
				PID:    info.PID,
				Bus:    info.Bus,
				Addr:   info.Addr,
			}
			if !m.send(ev) {
				return
			}
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}

		ev, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}

		if ev.Action == Add {
			// Attributes come from sysfs, not the uevent environment;
			// a device gone before we read them is simply dropped.
			info, err := readDeviceInfo(ev.PortID)
			if err != nil {
				continue
			}
			ev.PortID = info.PortID
			ev.VID, ev.PID = info.VID, info.PID
			ev.Bus, ev.Addr = info.Bus, info.Addr
		}

		if !m.send(ev) {
			return
		}
	}
}

func (m *Monitor) send(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.closing:
		return false
	}
}

// Close unblocks Run and releases the socket.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
		unix.Close(m.fd)
	})
	return nil
}

// parseUevent decodes one kernel uevent datagram. The wire format is an
// "action@devpath" header followed by NUL-separated KEY=VALUE pairs.
// Anything that is not an add or remove of a usb_device is rejected.
func parseUevent(data []byte) (Event, bool) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 || !strings.ContainsRune(fields[0], '@') {
		return Event{}, false
	}

	env := make(map[string]string, len(fields))
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			env[k] = v
		}
	}

	if env["SUBSYSTEM"] != "usb" || env["DEVTYPE"] != "usb_device" {
		return Event{}, false
	}

	var action Action
	switch env["ACTION"] {
	case "add":
		action = Add
	case "remove":
		action = Remove
	default:
		return Event{}, false
	}

	devpath := env["DEVPATH"]
	if devpath == "" {
		devpath = fields[0][strings.IndexRune(fields[0], '@')+1:]
	}
	if devpath == "" {
		return Event{}, false
	}

	return Event{Action: action, PortID: "/sys" + devpath}, true
}
