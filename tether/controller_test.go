package tether

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksander0m/g-simple-rt/usb"
)

// harness wires a Controller with its hardware seams replaced: probes
// install a fake control handle, deferred jobs are captured for explicit
// flushing, and the relay launch records the device and marks it
// finished at once.
type harness struct {
	c       *Controller
	jobs    []func()
	probed  []*Device
	handles []*fakeControlDevice
	relayed []*Device

	probeErr error
}

func newHarness(cfg Config) *harness {
	h := &harness{c: NewController(cfg)}

	h.c.schedule = func(fn func()) { h.jobs = append(h.jobs, fn) }
	h.c.probe = func(d *Device) error {
		h.probed = append(h.probed, d)
		if h.probeErr != nil {
			return h.probeErr
		}
		dev := &fakeControlDevice{protocol: 1}
		h.handles = append(h.handles, dev)
		d.handle = dev
		return nil
	}
	h.c.launchRelay = func(d *Device) {
		h.relayed = append(h.relayed, d)
		d.finish()
	}

	return h
}

// flush runs the captured deferred jobs, the way the event loop would
// after the setup delay.
func (h *harness) flush() {
	jobs := h.jobs
	h.jobs = nil
	for _, fn := range jobs {
		fn()
	}
}

func addEvent(vid, pid uint16, bus, addr uint8, port string) usb.Event {
	return usb.Event{Action: usb.Add, PortID: port, VID: vid, PID: pid, Bus: bus, Addr: addr}
}

func removeEvent(port string) usb.Event {
	return usb.Event{Action: usb.Remove, PortID: port}
}

func tetherConfig() Config {
	return Config{Action: ActionTether, VID: 0x18D1, PID: 0x4EE7, Uplink: "eth0"}
}

func TestCandidateSwitchSequence(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))

	require.Len(t, h.probed, 1)
	require.Len(t, h.c.devices, 1)
	assert.Equal(t, ModeCandidate, h.c.devices["/p/1-1"].Mode)

	h.flush()

	// The switch allocated the first subnet and pushed the full ident
	// sequence with the device's address as serial.
	assert.EqualValues(t, 1, h.c.subnets.Allocate("/p/1-1"))

	dev := h.handles[0]
	require.Len(t, dev.calls, 7)
	serial := dev.calls[aoaStringSerial]
	assert.EqualValues(t, aoaSendIdent, serial.request)
	assert.Equal(t, append([]byte("10.11.1.2"), 0), serial.data)
	assert.EqualValues(t, aoaStartAccessory, dev.calls[6].request)
	assert.True(t, dev.closed)

	// Still tracked: the old enumeration lingers until its remove event.
	assert.Len(t, h.c.devices, 1)
}

func TestCandidateProbeFailureNotTracked(t *testing.T) {
	h := newHarness(tetherConfig())
	h.probeErr = errors.New("not supported")

	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))

	assert.Empty(t, h.c.devices)
	assert.Empty(t, h.jobs)
}

func TestCandidatePIDWildcard(t *testing.T) {
	cfg := tetherConfig()
	cfg.PID = 0
	h := newHarness(cfg)

	h.c.handleEvent(addEvent(0x18D1, 0x1234, 1, 5, "/p/1-1"))

	assert.Len(t, h.probed, 1)
}

func TestNonMatchingAddIgnored(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(0x05C6, 0x9024, 1, 5, "/p/1-1"))

	assert.Empty(t, h.c.devices)
	assert.Empty(t, h.probed)
}

func TestDuplicateAddIgnored(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))
	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))

	assert.Len(t, h.c.devices, 1)
	assert.Len(t, h.probed, 1)
}

func TestAccessoryAddStartsRelay(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(AccessoryVID, 0x2D01, 1, 6, "/p/1-1"))

	require.Len(t, h.c.devices, 1)
	d := h.c.devices["/p/1-1"]
	assert.Equal(t, ModeAccessory, d.Mode)
	assert.Empty(t, h.relayed)

	h.flush()

	require.Len(t, h.relayed, 1)
	assert.EqualValues(t, 1, d.Subnet)
	assert.True(t, d.started)
}

func TestReenumerationKeepsSubnet(t *testing.T) {
	h := newHarness(tetherConfig())

	// Candidate appears, switches, disappears.
	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))
	h.flush()
	h.c.handleEvent(removeEvent("/p/1-1"))
	assert.Empty(t, h.c.devices)

	// The accessory enumeration on the same port gets the same subnet.
	h.c.handleEvent(addEvent(AccessoryVID, 0x2D01, 1, 6, "/p/1-1"))
	h.flush()

	require.Len(t, h.relayed, 1)
	assert.EqualValues(t, 1, h.relayed[0].Subnet)
}

func TestRemoveUnknownPortIsNoop(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(removeEvent("/p/none"))

	assert.Empty(t, h.c.devices)
}

func TestRemoveJoinsWorkers(t *testing.T) {
	h := newHarness(tetherConfig())

	// Relay that terminates only when halt is observed.
	h.c.launchRelay = func(d *Device) {
		go func() {
			for !d.halted() {
				time.Sleep(5 * time.Millisecond)
			}
			d.finish()
		}()
	}

	h.c.handleEvent(addEvent(AccessoryVID, 0x2D00, 1, 6, "/p/1-1"))
	h.flush()

	doneCh := make(chan struct{})
	go func() {
		h.c.handleEvent(removeEvent("/p/1-1"))
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(1200 * time.Millisecond):
		t.Fatal("remove did not join workers in time")
	}

	assert.Empty(t, h.c.devices)
	// The port's subnet survives the disconnect.
	assert.EqualValues(t, 1, h.c.subnets.Allocate("/p/1-1"))
}

func TestRemoveBeforeDeferredSetup(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(AccessoryVID, 0x2D00, 1, 6, "/p/1-1"))
	h.c.handleEvent(removeEvent("/p/1-1"))

	// The stale job must not start a relay for a forgotten device.
	h.flush()

	assert.Empty(t, h.relayed)
	assert.Empty(t, h.c.devices)
}

func TestSwitchFailureDropsDevice(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(0x18D1, 0x4EE7, 1, 5, "/p/1-1"))
	h.handles[0].ctrlErr = errors.New("disconnected")

	h.flush()

	assert.Empty(t, h.c.devices)
	assert.True(t, h.handles[0].closed)
}

func TestSubnetExhaustionLeavesDeviceIdle(t *testing.T) {
	h := newHarness(tetherConfig())
	for i := 0; i < 255; i++ {
		h.c.subnets.Allocate(fmt.Sprintf("/filler/%d", i))
	}

	h.c.handleEvent(addEvent(AccessoryVID, 0x2D00, 1, 6, "/p/new"))
	h.flush()

	// No relay, but the device stays tracked until its remove event.
	assert.Empty(t, h.relayed)
	assert.Len(t, h.c.devices, 1)
	assert.False(t, h.c.devices["/p/new"].started)
}

func TestShutdownReleasesAllDevices(t *testing.T) {
	h := newHarness(tetherConfig())

	h.c.handleEvent(addEvent(AccessoryVID, 0x2D00, 1, 6, "/p/1-1"))
	h.c.handleEvent(addEvent(AccessoryVID, 0x2D01, 1, 7, "/p/1-2"))
	h.flush()

	for _, d := range h.c.devices {
		d.Halt()
	}
	h.c.shutdown()

	assert.Empty(t, h.c.devices)
}
