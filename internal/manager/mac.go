package manager

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

var portMACNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// generateDeterministicMAC derives a MAC address from a control-plane port
// ID, so a port with no recorded MAC gets the same address every cycle.
func generateDeterministicMAC(portID string) (net.HardwareAddr, error) {
	if portID == "" {
		return nil, fmt.Errorf("port ID cannot be empty")
	}

	macUUID := uuid.NewSHA1(portMACNamespace, []byte("mac:"+portID))

	mac := make(net.HardwareAddr, 6)
	copy(mac, macUUID[:6])

	// Set the locally administered bit (bit 1) and clear multicast bit (bit 0)
	mac[0] = (mac[0] & 0xFC) | 0x02 // xxxx xx10 pattern

	return mac, nil
}
