package tether

import (
	"errors"
	"log"

	"github.com/aleksander0m/g-simple-rt/usb"
)

// ResetAccessories is the one-shot counterpart of the tethering loop: it
// finds every device currently enumerated in accessory mode and forces a
// kernel USB reset so it returns to its normal product id. A reset that
// fails because the device is gone from the bus (ErrNoDevice) counts as
// done; any other failure, including a node that no longer exists at
// open time, is logged and not counted.
func ResetAccessories() error {
	devices, err := usb.Enumerate()
	if err != nil {
		return err
	}

	n := 0
	for _, info := range devices {
		if !IsAccessory(info.VID, info.PID) {
			continue
		}

		if err := usb.Reset(info.Bus, info.Addr); err != nil && !errors.Is(err, usb.ErrNoDevice) {
			log.Printf("failed resetting device [%03d:%03d]: %v", info.Bus, info.Addr, err)
			continue
		}

		log.Printf("reset device [%03d:%03d]: done", info.Bus, info.Addr)
		n++
	}

	if n == 0 {
		return errors.New("no accessory devices were reset")
	}

	log.Printf("a total of %d accessory devices were reset", n)
	return nil
}
