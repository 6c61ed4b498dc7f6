package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/appkins-org/ovs-vlan-agent/internal/config"
	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/store"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

const testProcDir = "/proc/net/vlan"

// fakeHost is an in-memory switch, kernel and hypervisor that stay
// consistent with each other, so what the lifecycle writes is what the
// observed reader later sees.
type fakeHost struct {
	mu sync.Mutex

	fs       afero.Fs
	bridges  map[string][]string
	links    map[string]bool
	domains  map[string][]hypervisor.Interface
	hvDown   bool
	showErr  error
	policing []string

	// undescribed domains are listed without interfaces.
	undescribed map[string]bool
	attachErr   map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		fs:      afero.NewMemMapFs(),
		bridges: make(map[string][]string),
		links:   make(map[string]bool),
		domains: make(map[string][]hypervisor.Interface),

		undescribed: make(map[string]bool),
		attachErr:   make(map[string]error),
	}
}

// Switch.

func (h *fakeHost) Show(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.showErr != nil {
		return "", h.showErr
	}

	var sb strings.Builder
	sb.WriteString("0b5a3c1e-6f1d-4c8e-9a44-2f0f1e6d7c10\n")
	for _, name := range slices.Sorted(maps.Keys(h.bridges)) {
		fmt.Fprintf(&sb, "    Bridge %q\n", name)
		for _, port := range h.bridges[name] {
			fmt.Fprintf(&sb, "        Port %q\n            Interface %q\n", port, port)
		}
	}
	sb.WriteString("    ovs_version: \"2.17.9\"\n")
	return sb.String(), nil
}

func (h *fakeHost) ResetBridge(_ context.Context, bridge string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridges[bridge] = []string{bridge}
	h.links[bridge] = false
	return nil
}

func (h *fakeHost) DeleteBridge(_ context.Context, bridge string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bridges, bridge)
	delete(h.links, bridge)
	return nil
}

func (h *fakeHost) AddPort(_ context.Context, bridge, port string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ports, ok := h.bridges[bridge]
	if !ok {
		return fmt.Errorf("no bridge named %s", bridge)
	}
	for name, other := range h.bridges {
		if name != bridge && slices.Contains(other, port) {
			return fmt.Errorf("%s already exists on bridge %s", port, name)
		}
	}
	if !slices.Contains(ports, port) {
		h.bridges[bridge] = append(ports, port)
	}
	return nil
}

func (h *fakeHost) DeletePort(_ context.Context, bridge, port string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ports, ok := h.bridges[bridge]; ok {
		h.bridges[bridge] = slices.DeleteFunc(ports, func(p string) bool { return p == port })
	}
	return nil
}

func (h *fakeHost) SetIngressPolicingRate(_ context.Context, iface string, rate int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policing = append(h.policing, fmt.Sprintf("rate %s %d", iface, rate))
	return nil
}

func (h *fakeHost) SetIngressPolicingBurst(_ context.Context, iface string, burst int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policing = append(h.policing, fmt.Sprintf("burst %s %d", iface, burst))
	return nil
}

// Links.

func (h *fakeHost) setLink(name string, up bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		return fmt.Errorf("failed to find link %s: Link not found", name)
	}
	h.links[name] = up
	return nil
}

func (h *fakeHost) SetUp(name string) error   { return h.setLink(name, true) }
func (h *fakeHost) SetDown(name string) error { return h.setLink(name, false) }

func (h *fakeHost) AddVLAN(trunk string, tag int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[trunk]; !ok {
		return "", fmt.Errorf("failed to find trunk %s: Link not found", trunk)
	}
	name := topology.VLANInterfaceName(trunk, tag)
	if _, ok := h.links[name]; !ok {
		h.links[name] = false
	}
	content := fmt.Sprintf("%s  VID: %d\t REORDER_HDR: 1\n", name, tag)
	return name, afero.WriteFile(h.fs, filepath.Join(testProcDir, name), []byte(content), 0o600)
}

func (h *fakeHost) AddTap(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		h.links[name] = false
	}
	return nil
}

func (h *fakeHost) Delete(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, name)
	_ = h.fs.Remove(filepath.Join(testProcDir, name))
	return nil
}

// addVLANLink registers an existing VLAN device.
func (h *fakeHost) addVLANLink(t *testing.T, name string) {
	t.Helper()
	h.links[name] = true
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(testProcDir, name), []byte(name+"\n"), 0o600))
}

// Hypervisor.

func (h *fakeHost) Domains(context.Context) ([]hypervisor.Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hvDown {
		return nil, fmt.Errorf("%w: dial unix /var/run/libvirt/libvirt-sock: connection refused", hypervisor.ErrUnavailable)
	}
	var (
		out  = make([]hypervisor.Domain, 0, len(h.domains))
		errs []error
	)
	for _, name := range slices.Sorted(maps.Keys(h.domains)) {
		if h.undescribed[name] {
			out = append(out, hypervisor.Domain{Name: name})
			errs = append(errs, fmt.Errorf("failed to parse domain XML for %s: XML syntax error on line 1: unexpected EOF", name))
			continue
		}
		out = append(out, hypervisor.Domain{Name: name, Interfaces: slices.Clone(h.domains[name])})
	}
	return out, errors.Join(errs...)
}

func (h *fakeHost) domainOp(domain string, op func([]hypervisor.Interface) []hypervisor.Interface) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hvDown {
		return fmt.Errorf("%w: connection refused", hypervisor.ErrUnavailable)
	}
	ifaces, ok := h.domains[domain]
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrDomainNotFound, domain)
	}
	h.domains[domain] = op(ifaces)
	return nil
}

func (h *fakeHost) AttachInterface(_ context.Context, domain string, iface hypervisor.Interface) error {
	h.mu.Lock()
	err := h.attachErr[domain]
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.domainOp(domain, func(ifaces []hypervisor.Interface) []hypervisor.Interface {
		for _, i := range ifaces {
			if i.Dev == iface.Dev {
				return ifaces
			}
		}
		return append(ifaces, iface)
	})
}

func (h *fakeHost) DetachInterface(_ context.Context, domain string, iface hypervisor.Interface) error {
	return h.domainOp(domain, func(ifaces []hypervisor.Interface) []hypervisor.Interface {
		return slices.DeleteFunc(ifaces, func(i hypervisor.Interface) bool { return i.Dev == iface.Dev })
	})
}

// fakeStore serves bindings filtered the way the SQL query filters them.
type fakeStore struct {
	mu        sync.Mutex
	bindings  []store.PortBinding
	beginErr  error
	queryErr  error
	begins    int
	commits   int
	rollbacks int
}

func (s *fakeStore) Begin(context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &fakeSession{s: s}, nil
}

func (s *fakeStore) counts() (begins, commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.commits, s.rollbacks
}

type fakeSession struct {
	s *fakeStore
}

func (f *fakeSession) PortBindings(_ context.Context, tenantID string, vmIDs []string) ([]store.PortBinding, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.queryErr != nil {
		return nil, f.s.queryErr
	}
	var out []store.PortBinding
	for _, pb := range f.s.bindings {
		if pb.TenantID == tenantID && pb.VMID != nil && slices.Contains(vmIDs, *pb.VMID) {
			out = append(out, pb)
		}
	}
	return out, nil
}

func (f *fakeSession) Commit() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.commits++
	return nil
}

func (f *fakeSession) Rollback() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.rollbacks++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		OVS: config.OVSConfig{IntegrationBridge: "br-int"},
		Network: config.NetworkConfig{
			TenantID:    "tenant",
			Switches:    map[string]string{"physnet1": "eth1"},
			VIFPattern:  topology.DefaultVIFPattern,
			VLANProcDir: testProcDir,
		},
		Agent: config.AgentConfig{
			RefreshInterval: 2 * time.Second,
			CycleTimeout:    time.Minute,
		},
	}
}

func newTestManager(t *testing.T, host *fakeHost, st Store, deps ...func(*Deps)) (*Manager, *fakeclock.FakeClock) {
	t.Helper()
	classifier, err := topology.NewClassifier(topology.DefaultVIFPattern, host.fs, testProcDir)
	require.NoError(t, err)

	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	d := Deps{
		Store:      st,
		Switch:     host,
		Links:      host,
		Hypervisor: host,
		Classifier: classifier,
		Clock:      clk,
	}
	for _, f := range deps {
		f(&d)
	}
	return NewWithDeps(testConfig(), d, logr.Discard()), clk
}

// recordingLifecycle records calls as "<op> <name>".
type recordingLifecycle struct {
	calls []string
	fail  map[string]error
}

func (r *recordingLifecycle) do(op OpKind, name string) error {
	call := string(op) + " " + name
	r.calls = append(r.calls, call)
	if err := r.fail[call]; err != nil {
		return err
	}
	return nil
}

func (r *recordingLifecycle) CreateBridge(_ context.Context, b *topology.Bridge) error {
	return r.do(OpCreateBridge, b.Name)
}

func (r *recordingLifecycle) DestroyBridge(_ context.Context, b *topology.Bridge) error {
	return r.do(OpDestroyBridge, b.Name)
}

func (r *recordingLifecycle) CreatePort(_ context.Context, p *topology.Port) error {
	return r.do(OpCreatePort, p.Name)
}

func (r *recordingLifecycle) DestroyPort(_ context.Context, p *topology.Port) error {
	return r.do(OpDestroyPort, p.Name)
}

func (r *recordingLifecycle) UpdatePort(_ context.Context, p *topology.Port) error {
	return r.do(OpUpdatePort, p.Name)
}

var errBoom = errors.New("boom")
