package tether

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Android Open Accessory protocol requests (AOA v1). The HID and audio
// requests are part of the protocol but never issued here.
const (
	aoaGetProtocol    = 51
	aoaSendIdent      = 52
	aoaStartAccessory = 53
	aoaRegisterHID    = 54
	aoaUnregisterHID  = 55
	aoaSetHIDReport   = 56
	aoaSendHIDEvent   = 57
	aoaAudioSupport   = 58
)

// Identity string slots understood by SEND_IDENT.
const (
	aoaStringManufacturer = 0
	aoaStringModel        = 1
	aoaStringDescription  = 2
	aoaStringVersion      = 3
	aoaStringURL          = 4
	aoaStringSerial       = 5
)

// Vendor-class request types on the default control endpoint.
const (
	vendorRequestIn  = 0xC0
	vendorRequestOut = 0x40
)

// AccessoryVID is Google's vendor id; devices re-enumerate under it after
// a successful START_ACCESSORY.
const AccessoryVID = 0x18D1

// accessoryPIDs are the product ids a device may take in accessory mode,
// with and without adb and audio.
var accessoryPIDs = []uint16{0x2D00, 0x2D01, 0x2D02, 0x2D03, 0x2D04, 0x2D05}

// IsAccessory reports whether (vid, pid) identifies a device already in
// accessory mode.
func IsAccessory(vid, pid uint16) bool {
	if vid != AccessoryVID {
		return false
	}
	for _, p := range accessoryPIDs {
		if pid == p {
			return true
		}
	}
	return false
}

// The accessory interface layout is fixed by the protocol.
const (
	accessoryEndpointIn  = 0x81
	accessoryEndpointOut = 0x02
	accessoryInterface   = 0
)

const (
	identManufacturer = "The SimpleRT developers"
	identModel        = "gSimpleRT"
	identDescription  = "Simple Reverse Tethering"
	identVersion      = "1.0"
	identURL          = "https://github.com/aleksander0m/SimpleRT"
)

// controlDevice is the slice of the USB handle the negotiator needs.
type controlDevice interface {
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	KernelDriverActive(iface uint8) (bool, error)
	DetachKernelDriver(iface uint8) error
}

// probeAOA asks the device which accessory protocol version it speaks,
// detaching a bound kernel driver from the accessory interface first.
// Control transfers during negotiation run untimed.
func probeAOA(dev controlDevice) (uint16, error) {
	active, err := dev.KernelDriverActive(accessoryInterface)
	if err != nil {
		return 0, fmt.Errorf("kernel driver check: %w", err)
	}
	if active {
		if err := dev.DetachKernelDriver(accessoryInterface); err != nil {
			return 0, fmt.Errorf("detaching kernel driver: %w", err)
		}
	}

	buf := make([]byte, 2)
	n, err := dev.ControlTransfer(vendorRequestIn, aoaGetProtocol, 0, 0, buf, 0)
	if err != nil {
		return 0, fmt.Errorf("GET_PROTOCOL: %w", err)
	}
	if n < 2 {
		return 0, fmt.Errorf("GET_PROTOCOL: short reply (%d bytes)", n)
	}

	version := binary.LittleEndian.Uint16(buf)
	if version < 1 {
		return 0, fmt.Errorf("unsupported accessory protocol version %d", version)
	}
	return version, nil
}

// identPayloads returns the SEND_IDENT table in slot order. The serial
// slot carries the IPv4 address the companion app should take.
func identPayloads(serial string) [6]string {
	return [6]string{
		aoaStringManufacturer: identManufacturer,
		aoaStringModel:        identModel,
		aoaStringDescription:  identDescription,
		aoaStringVersion:      identVersion,
		aoaStringURL:          identURL,
		aoaStringSerial:       serial,
	}
}

// startAccessory pushes the identity strings and requests the switch to
// accessory mode. The device drops off the bus right after and comes
// back under the accessory vendor id.
func startAccessory(dev controlDevice, serial string) error {
	for id, s := range identPayloads(serial) {
		payload := append([]byte(s), 0)
		if _, err := dev.ControlTransfer(vendorRequestOut, aoaSendIdent, 0, uint16(id), payload, 0); err != nil {
			return fmt.Errorf("SEND_IDENT %d: %w", id, err)
		}
	}
	if _, err := dev.ControlTransfer(vendorRequestOut, aoaStartAccessory, 0, 0, nil, 0); err != nil {
		return fmt.Errorf("START_ACCESSORY: %w", err)
	}
	return nil
}
