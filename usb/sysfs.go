package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysfsRoot = "/sys/bus/usb/devices"

// DeviceInfo describes one USB device as found in sysfs. PortID is the
// resolved sysfs device directory, stable for a physical port across
// re-enumerations.
type DeviceInfo struct {
	PortID string
	VID    uint16
	PID    uint16
	Bus    uint8
	Addr   uint8
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("0x%04x:0x%04x [%03d:%03d]", i.VID, i.PID, i.Bus, i.Addr)
}

// Enumerate walks /sys/bus/usb/devices and returns every present device,
// root hubs included. Entries with missing or zero identification
// attributes are skipped.
func Enumerate() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sysfsRoot, err)
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Interfaces contain ':'; devices contain '-' or are root hubs.
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		info, err := readDeviceInfo(filepath.Join(sysfsRoot, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}

	return devices, nil
}

// readDeviceInfo loads the identification attributes from one sysfs
// device directory.
func readDeviceInfo(sysfsPath string) (DeviceInfo, error) {
	resolved, err := filepath.EvalSymlinks(sysfsPath)
	if err != nil {
		resolved = sysfsPath
	}

	info := DeviceInfo{PortID: resolved}

	if info.VID, err = readHexAttr(resolved, "idVendor"); err != nil {
		return DeviceInfo{}, err
	}
	if info.PID, err = readHexAttr(resolved, "idProduct"); err != nil {
		return DeviceInfo{}, err
	}
	if info.VID == 0 || info.PID == 0 {
		return DeviceInfo{}, fmt.Errorf("%s: zero vendor or product id", sysfsPath)
	}

	if info.Bus, err = readDecAttr(resolved, "busnum"); err != nil {
		return DeviceInfo{}, err
	}
	if info.Addr, err = readDecAttr(resolved, "devnum"); err != nil {
		return DeviceInfo{}, err
	}
	if info.Bus == 0 || info.Addr == 0 {
		return DeviceInfo{}, fmt.Errorf("%s: zero bus or device number", sysfsPath)
	}

	return info, nil
}

func readHexAttr(sysfsPath, name string) (uint16, error) {
	data, err := os.ReadFile(filepath.Join(sysfsPath, name))
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	return uint16(val), err
}

func readDecAttr(sysfsPath, name string) (uint8, error) {
	data, err := os.ReadFile(filepath.Join(sysfsPath, name))
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	return uint8(val), err
}
