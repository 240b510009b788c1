package tether

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetPoolAllocate(t *testing.T) {
	p := NewSubnetPool()

	assert.EqualValues(t, 1, p.Allocate("/sys/devices/usb1/1-1"))
	assert.EqualValues(t, 2, p.Allocate("/sys/devices/usb1/1-2"))
}

func TestSubnetPoolStable(t *testing.T) {
	p := NewSubnetPool()

	first := p.Allocate("/sys/devices/usb1/1-1")
	p.Allocate("/sys/devices/usb1/1-2")

	// The same port keeps its index, disconnects included.
	assert.Equal(t, first, p.Allocate("/sys/devices/usb1/1-1"))
	assert.Equal(t, first, p.Allocate("/sys/devices/usb1/1-1"))
}

func TestSubnetPoolMonotone(t *testing.T) {
	p := NewSubnetPool()

	seen := make(map[uint8]bool)
	for i := 0; i < 100; i++ {
		s := p.Allocate(fmt.Sprintf("/port/%d", i))
		require.NotZero(t, s)
		require.False(t, seen[s], "index %d returned twice", s)
		seen[s] = true
	}
}

func TestSubnetPoolExhaustion(t *testing.T) {
	p := NewSubnetPool()

	for i := 0; i < 255; i++ {
		require.NotZero(t, p.Allocate(fmt.Sprintf("/port/%d", i)))
	}

	// The 8-bit counter has wrapped to zero: new ports fail...
	assert.Zero(t, p.Allocate("/port/overflow"))
	assert.Zero(t, p.Allocate("/port/overflow2"))

	// ...while existing mappings stay intact.
	assert.EqualValues(t, 1, p.Allocate("/port/0"))
	assert.EqualValues(t, 255, p.Allocate("/port/254"))
}

func TestSubnetAddresses(t *testing.T) {
	assert.Equal(t, "10.11.5.0", Network(5))
	assert.Equal(t, "10.11.5.1", HostAddr(5))
	assert.Equal(t, "10.11.5.2", DeviceAddr(5))
	assert.Equal(t, "10.11.255.0", Network(255))
}
