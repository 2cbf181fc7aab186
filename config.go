package kanod

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// BMC protocols a lab can expose.
const (
	ProtocolIPMI                = "ipmi"
	ProtocolRedfish             = "redfish"
	ProtocolRedfishVirtualMedia = "redfish-virtualmedia"
)

// MaxFleetSize is the largest fleet the fixed MAC scheme can address.
const MaxFleetSize = 99

type (
	// Config holds every knob for one lab. Populate it once, validate it,
	// and treat it as read-only for the rest of the run.
	Config struct {
		// Fleet shape
		FleetSize  int
		NamePrefix string
		DiskGiB    uint64
		MemoryMiB  uint64
		VCPUs      uint

		// Guest features
		TPM          bool
		Airgap       bool
		AirgapFilter string

		// Network
		NetworkName string
		BridgeName  string
		GatewayIP   string
		Netmask     string

		// Storage
		PoolName string
		PoolPath string

		// BMC endpoints
		Protocol    string
		BMCUsername string
		BMCPassword string
		BMCHost     string
		BasePort    int

		// Runtime
		LabDir        string
		LibvirtURI    string
		SettleDelay   time.Duration
		DaemonTimeout time.Duration

		// Optional client tooling checked during preflight. The lab
		// itself never calls either; downstream provisioning does.
		RequireKubectl bool
		RequireYQ      bool
	}
)

// DefaultConfig returns a Config with the stock single-VM lab values.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		FleetSize:     1,
		NamePrefix:    "vmok",
		DiskGiB:       10,
		MemoryMiB:     4096,
		VCPUs:         2,
		NetworkName:   "vmok",
		BridgeName:    "vmokbr0",
		GatewayIP:     "192.168.133.1",
		Netmask:       "255.255.255.0",
		PoolName:      "vmok",
		PoolPath:      filepath.Join(home, "vmok-pool"),
		Protocol:      ProtocolIPMI,
		BMCUsername:   "admin",
		BMCPassword:   "password",
		BMCHost:       "192.168.133.1",
		BasePort:      5000,
		LabDir:        filepath.Join(home, ".vmok"),
		LibvirtURI:    "qemu:///system",
		SettleDelay:   60 * time.Second,
		DaemonTimeout: 30 * time.Second,
	}
}

// Validate checks the config for values no lab can run with.
func (c Config) Validate() error {
	if c.FleetSize < 1 {
		return fmt.Errorf("fleet size must be at least 1, got %d", c.FleetSize)
	}
	if c.FleetSize > MaxFleetSize {
		return fmt.Errorf("fleet size %d exceeds the %d addressable by the MAC scheme", c.FleetSize, MaxFleetSize)
	}
	if c.NamePrefix == "" {
		return fmt.Errorf("name prefix must not be empty")
	}
	switch c.Protocol {
	case ProtocolIPMI, ProtocolRedfish, ProtocolRedfishVirtualMedia:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, c.Protocol)
	}
	if c.BasePort <= 0 || c.BasePort+c.FleetSize > 65535 {
		return fmt.Errorf("base port %d leaves no room for %d endpoints", c.BasePort, c.FleetSize)
	}
	if c.LabDir == "" {
		return fmt.Errorf("lab directory must not be empty")
	}
	if c.PoolPath == "" {
		return fmt.Errorf("pool path must not be empty")
	}
	if c.LibvirtURI == "" {
		return fmt.Errorf("libvirt URI must not be empty")
	}
	return nil
}

// DomainName returns the name of the fleet member at a 1-based index.
func (c Config) DomainName(index int) string {
	return fmt.Sprintf("%s-%d", c.NamePrefix, index)
}

// BMCPort returns the management port for the fleet member at a 1-based
// index.
func (c Config) BMCPort(index int) int {
	return c.BasePort + index
}

// DiskBytes returns the per-VM disk capacity in bytes.
func (c Config) DiskBytes() uint64 {
	return c.DiskGiB << 30
}

// VolumeName returns the disk volume name for a 1-based fleet index.
func VolumeName(index int) string {
	return fmt.Sprintf("vol-%d", index)
}

// FleetMAC returns the fixed MAC for a 1-based fleet index. Two decimal
// digits in the final octet cap the scheme at MaxFleetSize members.
func FleetMAC(index int) string {
	return fmt.Sprintf("52:54:00:01:00:%02d", index)
}

// fleetPattern matches domains named <prefix>-<index>, capturing the
// index.
func (c Config) fleetPattern() *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(c.NamePrefix) + "-([0-9]+)$")
}

// fleetIndex extracts the fleet index from a domain name, reporting
// whether the name belongs to the fleet.
func (c Config) fleetIndex(name string) (int, bool) {
	m := c.fleetPattern().FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return index, true
}
