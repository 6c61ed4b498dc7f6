package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	kexec "k8s.io/utils/exec"

	"github.com/appkins-org/ovs-vlan-agent/internal/config"
	"github.com/appkins-org/ovs-vlan-agent/internal/hostnet"
	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/metrics"
	"github.com/appkins-org/ovs-vlan-agent/internal/ovs"
	"github.com/appkins-org/ovs-vlan-agent/internal/store"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// Session is the per-cycle view of the control-plane database.
type Session interface {
	PortBindings(ctx context.Context, tenantID string, vmIDs []string) ([]store.PortBinding, error)
	Commit() error
	Rollback() error
}

// Store opens cycle sessions.
type Store interface {
	Begin(ctx context.Context) (Session, error)
}

type dbStore struct {
	*store.Store
}

func (s dbStore) Begin(ctx context.Context) (Session, error) {
	sess, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store      Store
	Switch     ovs.Switch
	Links      hostnet.Links
	Hypervisor hypervisor.Hypervisor
	Classifier *topology.Classifier
	// Lifecycle defaults to the host implementation over Switch, Links and
	// Hypervisor.
	Lifecycle Lifecycle
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Manager runs the reconciliation loop for one host.
type Manager struct {
	cfg        *config.Config
	store      Store
	sw         ovs.Switch
	hv         hypervisor.Hypervisor
	classifier *topology.Classifier
	reconciler *Reconciler
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     logr.Logger

	mu          sync.Mutex
	started     time.Time
	lastSuccess time.Time

	closers []func() error
}

// NewWithDeps builds a Manager from explicit collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger logr.Logger) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.NewClock()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = newHostLifecycle(deps.Switch, deps.Links, deps.Hypervisor, logger)
	}
	return &Manager{
		cfg:        cfg,
		store:      deps.Store,
		sw:         deps.Switch,
		hv:         deps.Hypervisor,
		classifier: deps.Classifier,
		reconciler: NewReconciler(cfg.OVS.IntegrationBridge, deps.Lifecycle, logger),
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     logger,
	}
}

// New connects to OVS, libvirt and the database as configured. reg may be
// nil to disable metrics.
func New(ctx context.Context, cfg *config.Config, logger logr.Logger, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*Manager, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	runner, err := ovs.NewRunner(kexec.New(), cfg.OVS.VsctlPath, cfg.OVS.CommandTimeout, logger)
	if err != nil {
		return fail(err)
	}

	var sw ovs.Switch
	switch cfg.OVS.Driver {
	case ovs.DriverOVSDB:
		ovsClient, err := ovs.ConnectOVSDB(ctx, "unix:"+cfg.OVS.SocketPath, cfg.OVS.DatabaseName,
			cfg.OVS.ConnectionTimeout, logger)
		if err != nil {
			return fail(err)
		}
		s := ovs.NewOVSDBSwitch(ovsClient, runner, logger)
		closers = append(closers, func() error { s.Close(); return nil })
		sw = s
	default:
		sw = ovs.NewVsctlSwitch(runner, logger)
	}

	links, err := hostnet.New(cfg.Network.NetNSPath, logger)
	if err != nil {
		return fail(err)
	}

	classifier, err := topology.NewClassifier(cfg.Network.VIFPattern, afero.NewOsFs(), cfg.Network.VLANProcDir)
	if err != nil {
		return fail(err)
	}

	hv := hypervisor.NewClient(hypervisor.Options{
		URI:        cfg.Libvirt.URI,
		SocketPath: cfg.Libvirt.SocketPath,
		Timeout:    cfg.Libvirt.ConnectionTimeout,
	}, logger)
	closers = append(closers, hv.Close)

	db, err := store.Open(ctx, store.Options{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
	}, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, db.Close)

	var mtr *metrics.Metrics
	if reg != nil {
		mtr = metrics.New(reg)
	}

	m := NewWithDeps(cfg, Deps{
		Store:      dbStore{db},
		Switch:     sw,
		Links:      links,
		Hypervisor: hv,
		Classifier: classifier,
		Metrics:    mtr,
	}, logger)
	m.closers = closers
	return m, nil
}

// Close releases the connections opened by New.
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i]())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// Start runs cycles until ctx is cancelled, waiting refresh_interval after
// each one whatever its outcome.
func (m *Manager) Start(ctx context.Context) error {
	interval := m.cfg.Agent.RefreshInterval
	m.logger.Info("Starting OVS VLAN agent",
		"tenant", m.cfg.Network.TenantID,
		"integrationBridge", m.cfg.OVS.IntegrationBridge,
		"interval", interval)

	m.mu.Lock()
	m.started = m.clock.Now()
	m.mu.Unlock()

	for {
		result := m.RunCycle(ctx)
		if ctx.Err() != nil {
			m.logger.Info("Stopping OVS VLAN agent")
			return nil
		}
		m.report(result)

		select {
		case <-ctx.Done():
			m.logger.Info("Stopping OVS VLAN agent")
			return nil
		case <-m.clock.After(interval):
		}
	}
}

func (m *Manager) report(result CycleResult) {
	kv := []any{
		"applied", result.Applied,
		"failed", result.Failed,
		"observedBridges", result.Observed,
		"desiredBridges", result.Desired,
		"duration", result.Duration,
	}
	if result.Fatal != nil {
		m.logger.Error(result.Fatal, "Reconciliation cycle failed", kv...)
	} else {
		m.mu.Lock()
		m.lastSuccess = m.clock.Now()
		m.mu.Unlock()
		m.logger.V(1).Info("Reconciliation cycle complete", kv...)
	}

	if m.metrics != nil {
		applied, failed := (&Outcome{Ops: result.Ops}).Counts()
		m.metrics.ObserveOperations(applied, failed)
		m.metrics.ObserveCycle(result.Fatal != nil, result.Duration, result.Observed, result.Desired, m.clock.Now())
	}
}

// Healthy returns an error when no cycle has succeeded within three
// refresh intervals.
func (m *Manager) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started.IsZero() {
		return errors.New("reconciliation loop not started")
	}
	last := m.lastSuccess
	if last.IsZero() {
		last = m.started
	}
	limit := 3 * m.cfg.Agent.RefreshInterval
	if since := m.clock.Since(last); since > limit {
		if m.lastSuccess.IsZero() {
			return fmt.Errorf("no successful cycle since start %s ago", since.Round(time.Second))
		}
		return fmt.Errorf("last successful cycle %s ago exceeds %s", since.Round(time.Second), limit)
	}
	return nil
}
