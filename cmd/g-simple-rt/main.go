// g-simple-rt provides reverse tethering for Android devices over USB:
// candidate devices are switched into accessory mode and each accessory
// gets a TUN interface NATed through the configured uplink.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/aleksander0m/g-simple-rt/tether"
)

const version = "1.0"

var (
	vidStr      string
	pidStr      string
	ifaceStr    string
	resetFlag   bool
	versionFlag bool
	helpFlag    bool
)

func init() {
	flag.StringVar(&vidStr, "vid", "", "Device USB vendor ID (mandatory)")
	flag.StringVar(&vidStr, "v", "", "Device USB vendor ID (shorthand)")
	flag.StringVar(&pidStr, "pid", "", "Device USB product ID (optional)")
	flag.StringVar(&pidStr, "p", "", "Device USB product ID (shorthand)")
	flag.StringVar(&ifaceStr, "interface", "", "Network interface (mandatory)")
	flag.StringVar(&ifaceStr, "i", "", "Network interface (shorthand)")
	flag.BoolVar(&resetFlag, "reset", false, "Reset accessory devices")
	flag.BoolVar(&resetFlag, "r", false, "Reset accessory devices (shorthand)")
	flag.BoolVar(&versionFlag, "version", false, "Print version")
	flag.BoolVar(&versionFlag, "V", false, "Print version (shorthand)")
	flag.BoolVar(&helpFlag, "help", false, "Show help")
	flag.BoolVar(&helpFlag, "h", false, "Show help (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  g-simple-rt --vid <hex> [--pid <hex>] --interface <name>\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  g-simple-rt --reset\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  g-simple-rt --version | --help\n\n")
		flag.PrintDefaults()
	}
}

// parseID parses a 16-bit hexadecimal USB id. Zero and out-of-range
// values are fatal.
func parseID(name, value string) uint16 {
	id, err := strconv.ParseUint(value, 16, 16)
	if err != nil || id == 0 {
		log.Fatalf("error: invalid --%s value given: '%s'", name, value)
	}
	return uint16(id)
}

func printVersion() {
	fmt.Printf("\ng-simple-rt %s\n"+
		"Copyright (C) 2016-2017 Konstantin Menyaev\n"+
		"Copyright (C) 2017 Zodiac Inflight Innovations\n"+
		"Copyright (C) 2017 Aleksander Morgado\n\n", version)
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	if versionFlag {
		printVersion()
		return
	}
	if helpFlag {
		flag.Usage()
		return
	}

	cfg := tether.Config{Action: tether.ActionTether}

	if resetFlag {
		cfg.Action = tether.ActionReset
		if vidStr != "" {
			log.Printf("warning: --vid is ignored when using --reset")
		}
		if pidStr != "" {
			log.Printf("warning: --pid is ignored when using --reset")
		}
		if ifaceStr != "" {
			log.Printf("warning: --interface is ignored when using --reset")
		}
	} else {
		if vidStr == "" {
			log.Fatalf("error: --vid is mandatory")
		}
		cfg.VID = parseID("vid", vidStr)
		if pidStr != "" {
			cfg.PID = parseID("pid", pidStr)
		}
		if ifaceStr == "" {
			log.Fatalf("error: --interface is mandatory")
		}
		cfg.Uplink = ifaceStr
	}

	if err := tether.Run(cfg); err != nil {
		log.Fatalf("error: %v", err)
	}
}
