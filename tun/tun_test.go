package tun

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestHelperArgs(t *testing.T) {
	got := helperArgs("tun0", "eth0", "10.11.1.0", "30", "10.11.1.1")
	want := []string{"linux", "tun0", "eth0", "10.11.1.0", "30", "10.11.1.1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("helperArgs = %v, want %v", got, want)
	}
}

func TestHelperName(t *testing.T) {
	if HelperName != "g-simple-rt-iface-up.sh" {
		t.Errorf("helper name = %q", HelperName)
	}
}

func TestCreate(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test that requires root privileges")
	}

	nic, err := Create()
	if err != nil {
		t.Skipf("TUN unavailable: %v", err)
	}
	defer nic.Close()

	if nic.Name() == "" {
		t.Error("empty interface name")
	}

	// Nothing is routed to a fresh interface; the bounded read must
	// come back empty well within the wait plus scheduling slack.
	start := time.Now()
	n, err := nic.ReadWait(make([]byte, 4096), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadWait: %v", err)
	}
	if n != 0 {
		t.Errorf("read %d bytes from idle interface", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("bounded read took %v", elapsed)
	}
}
