package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/appkins-org/ovs-vlan-agent/internal/hostnet"
	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/ovs"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// Lifecycle performs the side effects for bridges and ports. Every method
// is safe to repeat.
type Lifecycle interface {
	CreateBridge(ctx context.Context, b *topology.Bridge) error
	DestroyBridge(ctx context.Context, b *topology.Bridge) error
	CreatePort(ctx context.Context, p *topology.Port) error
	DestroyPort(ctx context.Context, p *topology.Port) error
	// UpdatePort re-applies the bridge's ingress policing to the port.
	UpdatePort(ctx context.Context, p *topology.Port) error
}

// hostLifecycle applies changes to this host's switch, kernel links and
// libvirt domains.
type hostLifecycle struct {
	sw     ovs.Switch
	links  hostnet.Links
	hv     hypervisor.Hypervisor
	logger logr.Logger

	// linkWait bounds how long a freshly created bridge device is polled for.
	linkWait time.Duration
}

var _ Lifecycle = &hostLifecycle{}

func newHostLifecycle(sw ovs.Switch, links hostnet.Links, hv hypervisor.Hypervisor, logger logr.Logger) *hostLifecycle {
	return &hostLifecycle{
		sw:       sw,
		links:    links,
		hv:       hv,
		logger:   logger.WithName("lifecycle"),
		linkWait: time.Second,
	}
}

func (l *hostLifecycle) CreateBridge(ctx context.Context, b *topology.Bridge) error {
	l.logger.Info("Creating bridge", "bridge", b.Name, "vlan", b.VLAN, "trunk", b.Trunk)

	vlanIface := b.VLANInterface()
	if vlanIface != "" {
		if _, err := l.links.AddVLAN(b.Trunk, *b.VLAN); err != nil {
			return err
		}
		if err := l.links.SetUp(vlanIface); err != nil {
			return err
		}
	}

	if err := l.sw.ResetBridge(ctx, b.Name); err != nil {
		return err
	}
	if err := l.bridgeUp(ctx, b.Name); err != nil {
		return err
	}

	if vlanIface != "" {
		if err := l.sw.AddPort(ctx, b.Name, vlanIface); err != nil {
			return err
		}
	}
	return nil
}

// bridgeUp sets the bridge's internal device up. The device can lag the
// database transaction that created it, so lookups are retried briefly.
func (l *hostLifecycle) bridgeUp(ctx context.Context, name string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = l.linkWait
	return backoff.Retry(func() error {
		return l.links.SetUp(name)
	}, backoff.WithContext(policy, ctx))
}

func (l *hostLifecycle) DestroyBridge(ctx context.Context, b *topology.Bridge) error {
	l.logger.Info("Destroying bridge", "bridge", b.Name, "vlanInterface", b.VLANInterface())

	var errs []error
	for _, name := range b.PortNames() {
		errs = append(errs, l.DestroyPort(ctx, b.Ports[name]))
	}

	vlanIface := b.VLANInterface()
	if vlanIface != "" {
		errs = append(errs, l.sw.DeletePort(ctx, b.Name, vlanIface))
	}
	if err := l.links.SetDown(b.Name); err != nil {
		l.logger.V(1).Info("Could not set bridge down", "bridge", b.Name, "error", err.Error())
	}
	errs = append(errs, l.sw.DeleteBridge(ctx, b.Name))

	if vlanIface != "" {
		if err := l.links.SetDown(vlanIface); err != nil {
			l.logger.V(1).Info("Could not set VLAN interface down", "interface", vlanIface, "error", err.Error())
		}
		errs = append(errs, l.links.Delete(vlanIface))
	}

	return errors.Join(errs...)
}

// CreatePort plumbs the tap, attaches it to the VM and adds it to the
// switch. A hard attach failure is reported but the switch port is still
// added, so later passes only update the port instead of recreating it.
func (l *hostLifecycle) CreatePort(ctx context.Context, p *topology.Port) error {
	logger := l.logger.WithValues("port", p.Name, "bridge", p.Bridge.Name, "vm", p.VMName())
	logger.Info("Creating port", "mac", p.MAC)

	var attachErr error
	if p.VM != nil {
		if err := l.links.AddTap(p.Interface); err != nil {
			return err
		}
		if err := l.links.SetUp(p.Interface); err != nil {
			return err
		}

		err := l.hv.AttachInterface(ctx, *p.VM, hypervisor.Interface{Dev: p.Interface, MAC: p.MAC})
		switch {
		case errors.Is(err, hypervisor.ErrDomainNotFound), errors.Is(err, hypervisor.ErrUnavailable):
			logger.Info("Leaving port unattached", "reason", err.Error())
			return nil
		case err != nil:
			attachErr = fmt.Errorf("failed to attach %s to %s: %w", p.Interface, *p.VM, err)
			logger.Error(err, "Failed to attach interface, adding switch port anyway")
		}
	}

	if err := l.sw.AddPort(ctx, p.Bridge.Name, p.Interface); err != nil {
		return errors.Join(attachErr, err)
	}
	return errors.Join(attachErr, l.UpdatePort(ctx, p))
}

// DestroyPort removes the switch port whatever happens on the hypervisor
// side. Tap devices are deleted even for ports without a VM, since nothing
// else reclaims them.
func (l *hostLifecycle) DestroyPort(ctx context.Context, p *topology.Port) error {
	logger := l.logger.WithValues("port", p.Name, "bridge", p.Bridge.Name, "vm", p.VMName())
	logger.Info("Destroying port")

	var errs []error
	if p.VM != nil {
		err := l.hv.DetachInterface(ctx, *p.VM, hypervisor.Interface{Dev: p.Interface, MAC: p.MAC})
		switch {
		case errors.Is(err, hypervisor.ErrDomainNotFound):
			logger.Info("Domain already gone, skipping detach")
		case err != nil:
			logger.Error(err, "Failed to detach interface")
			errs = append(errs, err)
		}
	}

	if err := l.links.SetDown(p.Interface); err != nil {
		logger.V(1).Info("Could not set tap down", "error", err.Error())
	}
	errs = append(errs, l.links.Delete(p.Interface))
	errs = append(errs, l.sw.DeletePort(ctx, p.Bridge.Name, p.Interface))

	return errors.Join(errs...)
}

func (l *hostLifecycle) UpdatePort(ctx context.Context, p *topology.Port) error {
	b := p.Bridge
	if b == nil {
		return nil
	}

	var errs []error
	if b.IngressRate != nil {
		l.logger.V(1).Info("Setting ingress policing rate", "interface", p.Interface, "rate", *b.IngressRate)
		errs = append(errs, l.sw.SetIngressPolicingRate(ctx, p.Interface, *b.IngressRate))
	}
	if b.IngressBurst != nil {
		l.logger.V(1).Info("Setting ingress policing burst", "interface", p.Interface, "burst", *b.IngressBurst)
		errs = append(errs, l.sw.SetIngressPolicingBurst(ctx, p.Interface, *b.IngressBurst))
	}
	return errors.Join(errs...)
}
