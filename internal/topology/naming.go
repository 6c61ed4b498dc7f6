package topology

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// VLANMin and VLANMax bound the usable 802.1Q tag range.
	VLANMin = 1
	VLANMax = 4094
	// DeadVLAN is reserved as a placeholder tag and never bound to a bridge.
	DeadVLAN = 4095

	// PortPrefix is prepended to the truncated port identifier.
	PortPrefix = "tap"
	// PortIDLength is how many leading characters of the port identifier
	// end up in the device name.
	PortIDLength = 11
	// InterfaceNameLimit is the maximum length for network interface names in Linux.
	InterfaceNameLimit = 15
)

// BridgeName returns the bridge name for a trunk interface and VLAN tag.
func BridgeName(iface string, vlan int) string {
	return fmt.Sprintf("br-%s-%d", iface, vlan)
}

// PortName derives the local device name for a control-plane port id.
func PortName(portID string) (string, error) {
	if len(portID) < PortIDLength {
		return "", fmt.Errorf("port id %q shorter than %d characters", portID, PortIDLength)
	}
	return PortPrefix + portID[:PortIDLength], nil
}

// VLANInterfaceName returns the kernel name of the VLAN sub-interface.
func VLANInterfaceName(trunk string, tag int) string {
	return trunk + "." + strconv.Itoa(tag)
}

// ParseVLANInterface splits "<trunk>.<tag>" into its parts.
func ParseVLANInterface(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", 0, false
	}
	tag, err := strconv.Atoi(name[i+1:])
	if err != nil || tag < 0 {
		return "", 0, false
	}
	return name[:i], tag, true
}

// ValidVLAN reports whether tag can be bound to a bridge.
func ValidVLAN(tag int) bool {
	return tag >= VLANMin && tag <= VLANMax
}
