// Package ovs talks to Open vSwitch, either through ovs-vsctl or directly
// over OVSDB.
package ovs

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"
)

const (
	DriverVsctl = "vsctl"
	DriverOVSDB = "ovsdb"
)

// Switch is the set of Open vSwitch operations the agent needs.
type Switch interface {
	// Show returns the textual switch state as printed by `ovs-vsctl show`.
	Show(ctx context.Context) (string, error)
	// ResetBridge deletes the bridge if it exists and creates it again empty.
	ResetBridge(ctx context.Context, bridge string) error
	DeleteBridge(ctx context.Context, bridge string) error
	AddPort(ctx context.Context, bridge, port string) error
	// DeletePort succeeds when the port is already gone.
	DeletePort(ctx context.Context, bridge, port string) error
	SetIngressPolicingRate(ctx context.Context, iface string, rate int) error
	SetIngressPolicingBurst(ctx context.Context, iface string, burst int) error
}

// VsctlSwitch implements Switch entirely with ovs-vsctl.
type VsctlSwitch struct {
	runner *Runner
	logger logr.Logger
}

var _ Switch = &VsctlSwitch{}

// NewVsctlSwitch returns a Switch backed by runner.
func NewVsctlSwitch(runner *Runner, logger logr.Logger) *VsctlSwitch {
	return &VsctlSwitch{runner: runner, logger: logger.WithName("vsctlSwitch")}
}

func (s *VsctlSwitch) Show(ctx context.Context) (string, error) {
	return s.runner.Vsctl(ctx, "show")
}

func (s *VsctlSwitch) ResetBridge(ctx context.Context, bridge string) error {
	s.logger.V(1).Info("Resetting bridge", "bridge", bridge)
	_, err := s.runner.Vsctl(ctx, "--if-exists", "del-br", bridge, "--", "add-br", bridge)
	return err
}

func (s *VsctlSwitch) DeleteBridge(ctx context.Context, bridge string) error {
	s.logger.V(1).Info("Deleting bridge", "bridge", bridge)
	_, err := s.runner.Vsctl(ctx, "--if-exists", "del-br", bridge)
	return err
}

func (s *VsctlSwitch) AddPort(ctx context.Context, bridge, port string) error {
	s.logger.V(1).Info("Adding port", "bridge", bridge, "port", port)
	_, err := s.runner.Vsctl(ctx, "--may-exist", "add-port", bridge, port)
	return err
}

func (s *VsctlSwitch) DeletePort(ctx context.Context, bridge, port string) error {
	s.logger.V(1).Info("Deleting port", "bridge", bridge, "port", port)
	_, err := s.runner.Vsctl(ctx, "--if-exists", "del-port", bridge, port)
	return err
}

func (s *VsctlSwitch) SetIngressPolicingRate(ctx context.Context, iface string, rate int) error {
	_, err := s.runner.Vsctl(ctx, "set", "Interface", iface,
		"ingress_policing_rate="+strconv.Itoa(rate))
	return err
}

func (s *VsctlSwitch) SetIngressPolicingBurst(ctx context.Context, iface string, burst int) error {
	_, err := s.runner.Vsctl(ctx, "set", "Interface", iface,
		"ingress_policing_burst="+strconv.Itoa(burst))
	return err
}
