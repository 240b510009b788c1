package tether

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/aleksander0m/g-simple-rt/tun"
	"github.com/aleksander0m/g-simple-rt/usb"
)

// setupDelay debounces probe-to-setup transitions so the long-running
// work starts only after the triggering event has unwound off the loop.
const setupDelay = 10 * time.Millisecond

// Controller owns the tethering event loop. Hot-plug events, deferred
// setup jobs and signal handling all run on the one goroutine executing
// Run; the device table and the subnet pool are touched nowhere else.
type Controller struct {
	cfg     Config
	subnets *SubnetPool
	devices map[string]*Device

	jobs chan func()
	quit bool

	// Seams for the pieces that need hardware, replaced in tests.
	probe       func(d *Device) error
	setupSwitch func(d *Device) error
	launchRelay func(d *Device)
	schedule    func(fn func())
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		cfg:     cfg,
		subnets: NewSubnetPool(),
		devices: make(map[string]*Device),
		jobs:    make(chan func(), 64),
	}
	c.probe = c.probeDevice
	c.setupSwitch = c.switchToAccessory
	c.launchRelay = func(d *Device) { go c.runTether(d) }
	c.schedule = func(fn func()) {
		time.AfterFunc(setupDelay, func() { c.post(fn) })
	}
	return c
}

// post queues fn for execution on the event loop.
func (c *Controller) post(fn func()) {
	c.jobs <- fn
}

// Run executes the event loop until a termination signal arrives, then
// joins every tracked device before returning.
func (c *Controller) Run() error {
	monitor, err := usb.NewMonitor()
	if err != nil {
		return fmt.Errorf("hot-plug monitor: %w", err)
	}
	go monitor.Run()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(sigs)

	for !c.quit {
		select {
		case ev, ok := <-monitor.Events():
			if !ok {
				c.quit = true
				break
			}
			c.handleEvent(ev)
		case fn := <-c.jobs:
			fn()
		case sig := <-sigs:
			log.Printf("caught %v, shutting down", sig)
			for _, d := range c.devices {
				d.Halt()
			}
			c.quit = true
		}
	}

	monitor.Close()
	c.shutdown()
	return nil
}

func (c *Controller) handleEvent(ev usb.Event) {
	switch ev.Action {
	case usb.Add:
		c.handleAdd(ev)
	case usb.Remove:
		c.untrack(ev.PortID)
	}
}

// handleAdd applies the tracking rules: a target VID/PID match becomes a
// candidate, an accessory enumeration starts tethering. The branches are
// independent; with an accessory target both can fire for one event and
// the second track is rejected as a duplicate.
func (c *Controller) handleAdd(ev usb.Event) {
	if ev.VID == c.cfg.VID && (c.cfg.PID == 0 || ev.PID == c.cfg.PID) {
		c.track(ev, ModeCandidate)
	}
	if IsAccessory(ev.VID, ev.PID) {
		c.track(ev, ModeAccessory)
	}
}

func (c *Controller) track(ev usb.Event, mode Mode) {
	if _, ok := c.devices[ev.PortID]; ok {
		log.Printf("device 0x%04x:0x%04x [%03d:%03d]: already tracked", ev.VID, ev.PID, ev.Bus, ev.Addr)
		return
	}

	d := &Device{
		PortID: ev.PortID,
		VID:    ev.VID,
		PID:    ev.PID,
		Bus:    ev.Bus,
		Addr:   ev.Addr,
		Mode:   mode,
		done:   make(chan struct{}),
	}

	switch mode {
	case ModeCandidate:
		if err := c.probe(d); err != nil {
			log.Printf("[%03d:%03d] not an accessory candidate: %v", d.Bus, d.Addr, err)
			d.closeHandle()
			return
		}
		c.schedule(func() { c.deferredSwitch(d) })
	case ModeAccessory:
		c.schedule(func() { c.deferredTether(d) })
	}

	c.devices[ev.PortID] = d
	log.Printf("device 0x%04x:0x%04x [%03d:%03d]: tracked (%s)", d.VID, d.PID, d.Bus, d.Addr, d.Mode)
}

// untrack halts a device's workers, joins them, releases its resources
// and forgets it. The subnet mapping is deliberately retained. Unknown
// ports are a no-op.
func (c *Controller) untrack(portID string) {
	d, ok := c.devices[portID]
	if !ok {
		return
	}

	d.Halt()
	if d.started {
		<-d.done
	}
	d.closeHandle()
	delete(c.devices, portID)

	log.Printf("device 0x%04x:0x%04x [%03d:%03d]: untracked (%s)", d.VID, d.PID, d.Bus, d.Addr, d.Mode)
}

// untrackDevice drops d only if it is still the tracked device for its
// port; a replug may already have replaced it.
func (c *Controller) untrackDevice(d *Device) {
	if c.devices[d.PortID] == d {
		c.untrack(d.PortID)
	}
}

func (c *Controller) shutdown() {
	ports := make([]string, 0, len(c.devices))
	for port := range c.devices {
		ports = append(ports, port)
	}
	for _, port := range ports {
		c.untrack(port)
	}
}

// probeDevice opens a candidate and checks accessory protocol support.
// The handle stays open on success; the deferred switch needs it.
func (c *Controller) probeDevice(d *Device) error {
	log.Printf("[%03d:%03d] checking accessory protocol support...", d.Bus, d.Addr)

	h, err := usb.Open(d.Bus, d.Addr)
	if err != nil {
		return err
	}

	version, err := probeAOA(h)
	if err != nil {
		h.Close()
		return err
	}

	log.Printf("[%03d:%03d] device supports AOA %d", d.Bus, d.Addr, version)
	d.handle = h
	return nil
}

// deferredSwitch runs the accessory switch for a probed candidate, 10 ms
// after the probe. Negotiation failure drops the device; the next
// hot-plug cycle recovers it.
func (c *Controller) deferredSwitch(d *Device) {
	if c.devices[d.PortID] != d || d.halted() {
		return
	}
	if err := c.setupSwitch(d); err != nil {
		log.Printf("[%03d:%03d] %v", d.Bus, d.Addr, err)
		c.untrackDevice(d)
	}
}

// switchToAccessory allocates the device's subnet, pushes the identity
// strings and requests re-enumeration. The handle is closed either way:
// on success the device comes back as a new enumeration.
func (c *Controller) switchToAccessory(d *Device) error {
	defer d.closeHandle()

	s := c.subnets.Allocate(d.PortID)
	if s == 0 {
		// Out of subnets: the device stays tracked but idle.
		log.Printf("[%03d:%03d] subnet allocation failed: pool exhausted", d.Bus, d.Addr)
		return nil
	}
	d.Subnet = s
	log.Printf("[%03d:%03d] subnet allocated: %s", d.Bus, d.Addr, Network(s))

	if err := startAccessory(d.handle, DeviceAddr(s)); err != nil {
		return fmt.Errorf("accessory initialization failed: %w", err)
	}

	log.Printf("[%03d:%03d] switch to accessory mode requested", d.Bus, d.Addr)
	return nil
}

// deferredTether allocates the subnet for an accessory enumeration and
// launches its relay setup worker.
func (c *Controller) deferredTether(d *Device) {
	if c.devices[d.PortID] != d || d.halted() {
		return
	}

	s := c.subnets.Allocate(d.PortID)
	if s == 0 {
		log.Printf("[%03d:%03d] subnet allocation failed: pool exhausted", d.Bus, d.Addr)
		return
	}
	d.Subnet = s

	d.started = true
	c.launchRelay(d)
}

// runTether is the per-device setup worker: TUN pair up, interface
// claimed, the two relay directions supervised to completion. It owns
// every resource it opens and releases them before signalling done. A
// failure before the relay stage forgets the device so a replug starts
// clean; a relay that ends keeps the device tracked until its remove
// event, as the bus state has not changed.
func (c *Controller) runTether(d *Device) {
	relayed, err := c.tether(d)
	if err != nil {
		log.Printf("[%03d:%03d] %v", d.Bus, d.Addr, err)
	}
	d.finish()
	if !relayed {
		c.post(func() { c.untrackDevice(d) })
	}
}

func (c *Controller) tether(d *Device) (relayed bool, err error) {
	nic, err := tun.Create()
	if err != nil {
		return false, fmt.Errorf("tun: %w", err)
	}
	defer nic.Close()

	log.Printf("[%03d:%03d] %s paired, network %s", d.Bus, d.Addr, nic.Name(), Network(d.Subnet))

	if err := tun.BringUp(nic.Name(), c.cfg.Uplink, Network(d.Subnet), HostAddr(d.Subnet)); err != nil {
		return false, err
	}

	h, err := usb.Open(d.Bus, d.Addr)
	if err != nil {
		return false, err
	}
	defer h.Close()

	if err := h.ClaimInterface(accessoryInterface); err != nil {
		return false, fmt.Errorf("claiming accessory interface: %w", err)
	}
	defer h.ReleaseInterface(accessoryInterface)

	log.Printf("[%03d:%03d] relaying through %s", d.Bus, d.Addr, nic.Name())

	var g errgroup.Group
	g.Go(func() error {
		defer d.Halt()
		return relayTunToUSB(d, nic, h)
	})
	g.Go(func() error {
		defer d.Halt()
		return relayUSBToTun(d, h, nic)
	})
	return true, g.Wait()
}
