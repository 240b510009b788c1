package tether

import "fmt"

// SubnetPool maps physical port identifiers to /30 subnet indices.
// Entries are never removed: a port keeps its index for the process
// lifetime, so a device replugged into the same port gets the same
// addresses back.
type SubnetPool struct {
	next   uint8
	byPort map[string]uint8
}

func NewSubnetPool() *SubnetPool {
	return &SubnetPool{
		next:   1,
		byPort: make(map[string]uint8),
	}
}

// Allocate returns the subnet index for portID, assigning the next free
// index on first sight. It returns 0 once the 8-bit space is exhausted.
func (p *SubnetPool) Allocate(portID string) uint8 {
	if s, ok := p.byPort[portID]; ok {
		return s
	}

	s := p.next
	if s == 0 {
		return 0
	}

	p.byPort[portID] = s
	p.next++
	return s
}

// Addresses of the 10.11.<s>.0/30 network assigned to subnet index s.
// The device address doubles as the accessory serial string.
func Network(s uint8) string    { return fmt.Sprintf("10.11.%d.0", s) }
func HostAddr(s uint8) string   { return fmt.Sprintf("10.11.%d.1", s) }
func DeviceAddr(s uint8) string { return fmt.Sprintf("10.11.%d.2", s) }
