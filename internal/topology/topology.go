// Package topology holds the bridge and port object graph that the agent
// rebuilds on every reconciliation cycle.
package topology

import (
	"maps"
	"slices"
)

// Bridge is a named OVS bridge, optionally bound to one VLAN via a trunk
// sub-interface.
type Bridge struct {
	Name       string
	SwitchName string

	// VLAN is nil for untagged bridges.
	VLAN  *int
	Trunk string

	// Ingress policing applied to every port of the bridge. Never populated
	// in the observed topology.
	IngressRate  *int
	IngressBurst *int

	Ports map[string]*Port
}

// Port is a single interface attached to a bridge.
type Port struct {
	Name      string
	Interface string
	MAC       string
	// VM is the owning libvirt domain, nil when no VM is attached.
	VM *string
	// ID is the control-plane port identifier. Empty for observed ports.
	ID string

	// Bridge is a non-owning back-reference, read only for policing settings
	// and the bridge name.
	Bridge *Bridge
}

// NewBridge returns a bridge with an empty port map.
func NewBridge(name, switchName string, vlan *int, trunk string, rate, burst *int) *Bridge {
	return &Bridge{
		Name:         name,
		SwitchName:   switchName,
		VLAN:         vlan,
		Trunk:        trunk,
		IngressRate:  rate,
		IngressBurst: burst,
		Ports:        make(map[string]*Port),
	}
}

// VLANInterface returns the VLAN sub-interface name, or "" when the bridge
// has no trunk or no tag.
func (b *Bridge) VLANInterface() string {
	if b.Trunk == "" || b.VLAN == nil {
		return ""
	}
	return VLANInterfaceName(b.Trunk, *b.VLAN)
}

// AddPort inserts p keyed by its name and points it back at b.
func (b *Bridge) AddPort(p *Port) {
	p.Bridge = b
	b.Ports[p.Name] = p
}

// PortNames returns the port names in sorted order.
func (b *Bridge) PortNames() []string {
	return slices.Sorted(maps.Keys(b.Ports))
}

// VMName returns the owning VM or "" when none is attached.
func (p *Port) VMName() string {
	if p.VM == nil {
		return ""
	}
	return *p.VM
}

// Topology maps bridge name to bridge.
type Topology map[string]*Bridge

// Names returns the bridge names in sorted order.
func (t Topology) Names() []string {
	return slices.Sorted(maps.Keys(t))
}

// PortCount returns the number of ports across all bridges.
func (t Topology) PortCount() int {
	n := 0
	for _, b := range t {
		n += len(b.Ports)
	}
	return n
}

// Without returns a shallow copy of t with the named bridge removed.
func (t Topology) Without(name string) Topology {
	out := make(Topology, len(t))
	for k, v := range t {
		if k != name {
			out[k] = v
		}
	}
	return out
}

// Equal reports whether both topologies hold the same bridges with the same
// VLAN binding and port names. Policing and VM ownership are not compared
// since the switch cannot report them.
func (t Topology) Equal(other Topology) bool {
	if len(t) != len(other) {
		return false
	}
	for name, b := range t {
		o, ok := other[name]
		if !ok {
			return false
		}
		if b.Trunk != o.Trunk || !intPtrEqual(b.VLAN, o.VLAN) {
			return false
		}
		if !slices.Equal(b.PortNames(), o.PortNames()) {
			return false
		}
	}
	return true
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
