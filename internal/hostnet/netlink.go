// Package hostnet manages the kernel network devices backing bridges and
// VM ports: VLAN sub-interfaces, tap devices and link state.
package hostnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// Links is the set of link operations used by bridge and port lifecycles.
type Links interface {
	SetUp(name string) error
	SetDown(name string) error
	// AddVLAN creates <trunk>.<tag> on top of trunk and returns its name.
	AddVLAN(trunk string, tag int) (string, error)
	AddTap(name string) error
	// Delete removes the link. A missing link is not an error.
	Delete(name string) error
}

// linkHandle is the subset of *netlink.Handle used here.
type linkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
}

// Netlink implements Links over rtnetlink.
type Netlink struct {
	handle linkHandle
	logger logr.Logger
}

var _ Links = &Netlink{}

// New returns Links bound to the network namespace at nsPath, or to the
// current namespace when nsPath is empty. Pointing nsPath at
// /proc/1/ns/net lets a containerised agent manage host links.
func New(nsPath string, logger logr.Logger) (*Netlink, error) {
	var (
		handle *netlink.Handle
		err    error
	)
	if nsPath == "" {
		handle, err = netlink.NewHandle()
	} else {
		ns, nsErr := netns.GetFromPath(nsPath)
		if nsErr != nil {
			return nil, fmt.Errorf("failed to open netns %s: %w", nsPath, nsErr)
		}
		defer ns.Close()
		handle, err = netlink.NewHandleAt(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create netlink handle: %w", err)
	}
	return &Netlink{handle: handle, logger: logger.WithName("hostnet")}, nil
}

func isNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return strings.Contains(err.Error(), "Link not found")
}

// SetUp sets a network interface up.
func (n *Netlink) SetUp(name string) error {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	if err := n.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set link %s up: %w", name, err)
	}
	n.logger.V(2).Info("Link up", "interface", name)
	return nil
}

// SetDown sets a network interface down.
func (n *Netlink) SetDown(name string) error {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	if err := n.handle.LinkSetDown(link); err != nil {
		return fmt.Errorf("failed to set link %s down: %w", name, err)
	}
	n.logger.V(2).Info("Link down", "interface", name)
	return nil
}

func (n *Netlink) AddVLAN(trunk string, tag int) (string, error) {
	name := topology.VLANInterfaceName(trunk, tag)
	if len(name) > topology.InterfaceNameLimit {
		return "", fmt.Errorf("VLAN interface name %s exceeds %d characters", name, topology.InterfaceNameLimit)
	}

	parent, err := n.handle.LinkByName(trunk)
	if err != nil {
		return "", fmt.Errorf("failed to find trunk %s: %w", trunk, err)
	}

	vlan := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: parent.Attrs().Index,
		},
		VlanId: tag,
	}
	if err := n.handle.LinkAdd(vlan); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return "", fmt.Errorf("failed to create VLAN interface %s: %w", name, err)
		}
		n.logger.V(1).Info("Not creating VLAN interface, already exists", "interface", name)
		return name, nil
	}

	n.logger.V(1).Info("Created VLAN interface", "interface", name, "trunk", trunk, "vlan", tag)
	return name, nil
}

// AddTap creates a persistent tap device.
func (n *Netlink) AddTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS,
	}
	if err := n.handle.LinkAdd(tap); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("failed to create tap %s: %w", name, err)
		}
		n.logger.V(1).Info("Not creating tap, already exists", "interface", name)
		return nil
	}
	n.logger.V(1).Info("Created tap", "interface", name)
	return nil
}

// Delete deletes a network interface by name.
func (n *Netlink) Delete(name string) error {
	link, err := n.handle.LinkByName(name)
	if err != nil {
		// Interface doesn't exist, consider it already cleaned up
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}

	if err := n.handle.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", name, err)
	}

	n.logger.V(1).Info("Deleted network interface", "interface", name)
	return nil
}
