package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/ovs"
	"github.com/appkins-org/ovs-vlan-agent/internal/store"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

func TestObservedTopology(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testProcDir+"/eth1.10", nil, 0o600))
	c, err := topology.NewClassifier(topology.DefaultVIFPattern, fs, testProcDir)
	require.NoError(t, err)

	idx := &hypervisor.Index{
		Owner: map[string]string{"tap3f2a9c41-7d": "inst1"},
		MAC:   map[string]string{"tap3f2a9c41-7d": "52:54:00:aa:bb:01"},
	}
	groups := []ovs.ShowBridge{
		{Name: "br-eth1-10", Ports: []string{"br-eth1-10", "eth1.10", "tap3f2a9c41-7d", "tapb0b0b0b0-01", "eth2.20", "patch-int"}},
		{Name: "br-empty"},
	}

	got := observedTopology(groups, c, idx)

	require.Len(t, got, 2)
	b := got["br-eth1-10"]
	assert.Equal(t, "eth1", b.Trunk)
	assert.Equal(t, ptr.To(10), b.VLAN)
	assert.Nil(t, b.IngressRate)
	assert.Nil(t, b.IngressBurst)
	assert.Equal(t, []string{"tap3f2a9c41-7d", "tapb0b0b0b0-01"}, b.PortNames(), "VLAN devices without a proc entry are ignored")

	owned := b.Ports["tap3f2a9c41-7d"]
	assert.Equal(t, "inst1", owned.VMName())
	assert.Equal(t, "52:54:00:aa:bb:01", owned.MAC)
	assert.Equal(t, owned.Name, owned.Interface)
	assert.Same(t, b, owned.Bridge)

	assert.Nil(t, b.Ports["tapb0b0b0b0-01"].VM)

	assert.Nil(t, got["br-empty"].VLAN)
	assert.Empty(t, got["br-empty"].Ports)
}

func TestBuildDesired(t *testing.T) {
	host := newFakeHost()
	st := &fakeStore{bindings: append(testBindings(),
		store.PortBinding{PortID: "short", NetworkID: "net-a", TenantID: "tenant",
			VMID: ptr.To("inst1"), SwitchName: ptr.To("physnet1"), VLANTag: ptr.To(10)},
		store.PortBinding{PortID: "a1a1a1a1-0101-4000-8000-000000000001", NetworkID: "net-e", TenantID: "tenant",
			VMID: ptr.To("inst1"), SwitchName: ptr.To("physnet1"), VLANTag: ptr.To(4095)},
		store.PortBinding{PortID: "a2a2a2a2-0101-4000-8000-000000000001", NetworkID: "net-f", TenantID: "tenant",
			VMID: ptr.To("inst1")},
		store.PortBinding{PortID: "3f2a9c41-7d0e-ffff-ffff-000000000000", NetworkID: "net-b", TenantID: "tenant",
			VMID: ptr.To("inst2"), SwitchName: ptr.To("PHYSNET1"), VLANTag: ptr.To(20)},
	)}
	m, _ := newTestManager(t, host, st)
	idx := &hypervisor.Index{Domains: map[string]struct{}{"inst1": {}, "inst2": {}}}

	sess, err := st.Begin(context.Background())
	require.NoError(t, err)
	got, err := m.BuildDesired(context.Background(), sess, idx)
	require.NoError(t, err)

	assert.Equal(t, []string{"br-eth1-10", "br-eth1-20"}, got.Names())

	b10 := got["br-eth1-10"]
	assert.Equal(t, "physnet1", b10.SwitchName)
	assert.Equal(t, "eth1", b10.Trunk)
	assert.Equal(t, "eth1.10", b10.VLANInterface())
	assert.Equal(t, ptr.To(1000), b10.IngressRate)
	assert.Equal(t, []string{"tap3f2a9c41-7d", "tapc0c0c0c0-01"}, b10.PortNames())

	p := b10.Ports["tap3f2a9c41-7d"]
	assert.Equal(t, portA, p.ID)
	assert.Equal(t, "inst1", p.VMName())
	assert.Equal(t, "52:54:00:aa:bb:01", p.MAC)
	assert.Same(t, b10, p.Bridge)

	// The colliding port name on br-eth1-20 is dropped, the original kept.
	assert.Equal(t, []string{"tapb0b0b0b0-01"}, got["br-eth1-20"].PortNames())
}

func TestBuildDesiredHypervisorUnavailable(t *testing.T) {
	host := newFakeHost()
	st := &fakeStore{bindings: testBindings()}
	m, _ := newTestManager(t, host, st)
	idx := &hypervisor.Index{
		Domains: map[string]struct{}{},
		Err:     hypervisor.ErrUnavailable,
	}

	sess, err := st.Begin(context.Background())
	require.NoError(t, err)
	_, err = m.BuildDesired(context.Background(), sess, idx)
	assert.ErrorIs(t, err, hypervisor.ErrUnavailable)
}

func TestBuildDesiredPartialIndex(t *testing.T) {
	host := newFakeHost()
	st := &fakeStore{bindings: testBindings()}
	m, _ := newTestManager(t, host, st)
	idx := &hypervisor.Index{
		Owner:   map[string]string{"tapb0b0b0b0-01": "inst2"},
		Domains: map[string]struct{}{"inst1": {}, "inst2": {}},
		Err:     errors.New("failed to parse domain XML for inst1: XML syntax error on line 1: unexpected EOF"),
	}

	sess, err := st.Begin(context.Background())
	require.NoError(t, err)
	got, err := m.BuildDesired(context.Background(), sess, idx)
	require.NoError(t, err)
	assert.Equal(t, []string{"br-eth1-10", "br-eth1-20"}, got.Names(), "a domain without interfaces keeps its bridges")
	assert.Equal(t, []string{"tap3f2a9c41-7d", "tapc0c0c0c0-01"}, got["br-eth1-10"].PortNames())
}
