package tether

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aleksander0m/g-simple-rt/usb"
)

const (
	// relayBufferSize bounds one frame per transfer in both directions.
	relayBufferSize = 4096

	// bulkTimeout is the poll interval on the accessory endpoints;
	// tunWaitTimeout the one on the TUN descriptor. Both bound how long
	// a worker can take to notice halt.
	bulkTimeout    = 200 * time.Millisecond
	tunWaitTimeout = time.Second
)

// packetPipe is the TUN side of the relay: a bounded wait-and-read plus
// an all-or-nothing frame write.
type packetPipe interface {
	ReadWait(buf []byte, timeout time.Duration) (int, error)
	Write(buf []byte) (int, error)
}

// bulkLink is the USB side of the relay.
type bulkLink interface {
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)
}

// relayTunToUSB forwards each frame read from the TUN interface as one
// bulk OUT transfer. A transfer timeout drops the frame and keeps
// polling; anything else ends the worker. EOF from the TUN side is a
// normal end.
func relayTunToUSB(d *Device, nic packetPipe, link bulkLink) error {
	buf := make([]byte, relayBufferSize)

	for !d.halted() {
		n, err := nic.ReadWait(buf, tunWaitTimeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}

		if _, err := link.BulkTransfer(accessoryEndpointOut, buf[:n], bulkTimeout); err != nil {
			if errors.Is(err, usb.ErrTimeout) {
				continue
			}
			return fmt.Errorf("bulk out: %w", err)
		}
	}

	return nil
}

// relayUSBToTun writes each bulk IN payload to the TUN interface as one
// frame. A transfer timeout keeps polling; a short TUN write surfaces as
// an error from the pipe and ends the worker.
func relayUSBToTun(d *Device, link bulkLink, nic packetPipe) error {
	buf := make([]byte, relayBufferSize)

	for !d.halted() {
		n, err := link.BulkTransfer(accessoryEndpointIn, buf, bulkTimeout)
		if err != nil {
			if errors.Is(err, usb.ErrTimeout) {
				continue
			}
			return fmt.Errorf("bulk in: %w", err)
		}
		if n == 0 {
			continue
		}

		if _, err := nic.Write(buf[:n]); err != nil {
			return fmt.Errorf("tun write: %w", err)
		}
	}

	return nil
}
