package manager

import (
	"context"
	"fmt"

	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/ovs"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// ReadObserved returns the bridges and ports configured on the switch right
// now. Only a failure to read the switch is an error.
func (m *Manager) ReadObserved(ctx context.Context, idx *hypervisor.Index) (topology.Topology, error) {
	text, err := m.sw.Show(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read switch state: %w", err)
	}
	return observedTopology(ovs.ParseShow(text), m.classifier, idx), nil
}

// observedTopology builds one bridge per parsed group. VIF ports take their
// owner and MAC from the index; a VLAN sub-interface sets the bridge's tag
// and trunk. Ingress policing is never observed.
func observedTopology(groups []ovs.ShowBridge, c *topology.Classifier, idx *hypervisor.Index) topology.Topology {
	out := make(topology.Topology, len(groups))
	for _, g := range groups {
		b := topology.NewBridge(g.Name, "", nil, "", nil, nil)
		for _, name := range g.Ports {
			switch c.Classify(name) {
			case topology.KindVIF:
				p := &topology.Port{Name: name, Interface: name, MAC: idx.MAC[name]}
				if owner, ok := idx.Owner[name]; ok {
					p.VM = &owner
				}
				b.AddPort(p)
			case topology.KindVLAN:
				trunk, tag, _ := topology.ParseVLANInterface(name)
				b.Trunk = trunk
				b.VLAN = &tag
			}
		}
		out[b.Name] = b
	}
	return out
}
