package hypervisor

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Interface is one <interface> element of a domain descriptor.
type Interface struct {
	Dev string
	MAC string
}

// Domain is a libvirt domain and its network interfaces.
type Domain struct {
	Name       string
	Interfaces []Interface
}

type domainXML struct {
	Name    string `xml:"name"`
	Devices struct {
		Interfaces []struct {
			Target struct {
				Dev string `xml:"dev,attr"`
			} `xml:"target"`
			MAC struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
		} `xml:"interface"`
	} `xml:"devices"`
}

// parseDomainXML extracts the interfaces of a domain descriptor. Interfaces
// without a target device are skipped since they cannot be matched to a
// switch port.
func parseDomainXML(name, desc string) (Domain, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(desc), &d); err != nil {
		return Domain{}, fmt.Errorf("failed to parse domain XML for %s: %w", name, err)
	}

	dom := Domain{Name: name}
	for _, iface := range d.Devices.Interfaces {
		dev := strings.TrimSpace(iface.Target.Dev)
		if dev == "" {
			continue
		}
		dom.Interfaces = append(dom.Interfaces, Interface{
			Dev: dev,
			MAC: strings.ToLower(strings.TrimSpace(iface.MAC.Address)),
		})
	}
	return dom, nil
}

type interfaceXML struct {
	XMLName xml.Name `xml:"interface"`
	Type    string   `xml:"type,attr"`
	MAC     *struct {
		Address string `xml:"address,attr"`
	} `xml:"mac,omitempty"`
	Script struct {
		Path string `xml:"path,attr"`
	} `xml:"script"`
	Target struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
	Model struct {
		Type string `xml:"type,attr"`
	} `xml:"model"`
}

// interfaceDeviceXML renders the device fragment used to attach and detach
// a tap-backed virtio NIC. The empty script path stops libvirt from running
// its own ifup script since the tap is already plumbed.
func interfaceDeviceXML(iface Interface) (string, error) {
	x := interfaceXML{Type: "ethernet"}
	if iface.MAC != "" {
		x.MAC = &struct {
			Address string `xml:"address,attr"`
		}{Address: iface.MAC}
	}
	x.Target.Dev = iface.Dev
	x.Model.Type = "virtio"

	out, err := xml.Marshal(x)
	if err != nil {
		return "", fmt.Errorf("failed to render interface XML for %s: %w", iface.Dev, err)
	}
	return string(out), nil
}
