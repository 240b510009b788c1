// Package tether is the device-lifecycle engine: it tracks candidate and
// accessory devices across hot-plug events, drives the accessory-mode
// switch, and relays IP frames between each accessory's bulk endpoints
// and its TUN interface.
package tether

import "errors"

// Action selects what the process does.
type Action int

const (
	ActionTether Action = iota
	ActionReset
)

// Config carries the validated command-line selections into the engine.
type Config struct {
	Action Action
	VID    uint16 // target vendor id, mandatory for tethering
	PID    uint16 // target product id; zero matches any product
	Uplink string // host network interface NATed through
}

func (c Config) Validate() error {
	if c.Action == ActionReset {
		return nil
	}
	if c.VID == 0 {
		return errors.New("vendor id is mandatory in tethering mode")
	}
	if c.Uplink == "" {
		return errors.New("network interface is mandatory in tethering mode")
	}
	return nil
}

// Run dispatches the configured action.
func Run(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Action == ActionReset {
		return ResetAccessories()
	}
	return NewController(cfg).Run()
}
