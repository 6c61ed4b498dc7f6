package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/store"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

var (
	errNoSwitch      = errors.New("network has no switch")
	errUnknownSwitch = errors.New("switch is not mapped to an interface")
	errInvalidVLAN   = errors.New("network has no valid VLAN tag")
	errDuplicatePort = errors.New("port name already in use")
)

// BuildDesired returns the topology the database asks for, limited to
// domains libvirt knows about. It fails when libvirt could not be reached,
// since an empty VM set would tear down every bridge.
func (m *Manager) BuildDesired(ctx context.Context, sess Session, idx *hypervisor.Index) (topology.Topology, error) {
	if idx.Unavailable() {
		return nil, fmt.Errorf("cannot build desired topology without the hypervisor: %w", idx.Err)
	}

	vms := idx.DomainNames()
	slices.Sort(vms)

	bindings, err := sess.PortBindings(ctx, m.cfg.Network.TenantID, vms)
	if err != nil {
		return nil, err
	}

	out := make(topology.Topology)
	for _, pb := range bindings {
		if err := m.addBinding(out, pb); err != nil {
			m.logger.Info("Skipping port", "port", pb.PortID, "network", pb.NetworkID,
				"vm", lo.FromPtr(pb.VMID), "reason", err.Error())
		}
	}
	return out, nil
}

func (m *Manager) addBinding(t topology.Topology, pb store.PortBinding) error {
	if pb.SwitchName == nil || *pb.SwitchName == "" {
		return errNoSwitch
	}
	trunk, ok := m.cfg.Network.SwitchInterface(*pb.SwitchName)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownSwitch, *pb.SwitchName)
	}
	if pb.VLANTag == nil || !topology.ValidVLAN(*pb.VLANTag) {
		return fmt.Errorf("%w: %v", errInvalidVLAN, lo.FromPtrOr(pb.VLANTag, 0))
	}
	tag := *pb.VLANTag

	portName, err := topology.PortName(pb.PortID)
	if err != nil {
		return err
	}

	brName := topology.BridgeName(trunk, tag)
	if len(brName) > topology.InterfaceNameLimit {
		return fmt.Errorf("bridge name %s exceeds %d characters", brName, topology.InterfaceNameLimit)
	}

	for _, b := range t {
		if other, ok := b.Ports[portName]; ok {
			return fmt.Errorf("%w: %s by port %s", errDuplicatePort, portName, other.ID)
		}
	}

	b, ok := t[brName]
	if !ok {
		b = topology.NewBridge(brName, *pb.SwitchName, &tag, trunk, pb.MaxIngressRate, pb.MaxIngressBurst)
		t[brName] = b
	}

	mac := strings.ToLower(lo.FromPtr(pb.MACAddr))
	if mac == "" {
		hw, err := generateDeterministicMAC(pb.PortID)
		if err != nil {
			return err
		}
		mac = hw.String()
	}

	b.AddPort(&topology.Port{
		Name:      portName,
		Interface: portName,
		MAC:       mac,
		VM:        pb.VMID,
		ID:        pb.PortID,
	})
	return nil
}
