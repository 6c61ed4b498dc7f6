package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/appkins-org/ovs-vlan-agent/internal/hypervisor"
	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// CycleResult is the outcome of one reconciliation cycle.
type CycleResult struct {
	Applied int
	Failed  int
	Ops     []Operation
	// Fatal is set when the cycle stopped before or during reconciliation;
	// the database session was rolled back.
	Fatal    error
	Duration time.Duration
	Observed int
	Desired  int
}

// RunCycle reads both topologies, reconciles them and finishes the database
// session. It never panics.
func (m *Manager) RunCycle(ctx context.Context) (result CycleResult) {
	start := m.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Agent.CycleTimeout)
	defer cancel()

	var sess Session
	defer func() {
		if r := recover(); r != nil {
			result.Fatal = fmt.Errorf("panic during reconciliation cycle: %v", r)
			m.logger.Error(result.Fatal, "Recovered from panic", "stack", string(debug.Stack()))
		}
		if sess != nil {
			if result.Fatal != nil {
				if err := sess.Rollback(); err != nil {
					m.logger.Error(err, "Failed to roll back database session")
				}
			} else if err := sess.Commit(); err != nil {
				result.Fatal = fmt.Errorf("failed to commit database session: %w", err)
			}
		}
		result.Duration = m.clock.Since(start)
	}()

	var err error
	sess, err = m.store.Begin(ctx)
	if err != nil {
		result.Fatal = err
		return result
	}

	idx := hypervisor.BuildIndex(ctx, m.hv, m.logger.WithName("index"))

	observed, err := m.ReadObserved(ctx, idx)
	if err != nil {
		result.Fatal = err
		return result
	}
	result.Observed = len(observed)

	desired, err := m.BuildDesired(ctx, sess, idx)
	if err != nil {
		result.Fatal = err
		return result
	}
	result.Desired = len(desired)

	m.dumpTopology("observed", observed)
	m.dumpTopology("desired", desired)

	out := m.reconciler.Reconcile(ctx, observed, desired)
	result.Ops = out.Ops
	result.Applied = out.Applied()
	result.Failed = out.Failed()

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("cycle exceeded %s: %w", m.cfg.Agent.CycleTimeout, err)
		}
		result.Fatal = err
	}
	return result
}

func (m *Manager) dumpTopology(kind string, t topology.Topology) {
	logger := m.logger.V(2)
	if !logger.Enabled() {
		return
	}
	for _, name := range t.Names() {
		b := t[name]
		logger.Info("Bridge", "topology", kind, "bridge", name, "vlan", b.VLAN, "trunk", b.Trunk,
			"ingressRate", b.IngressRate, "ingressBurst", b.IngressBurst, "ports", b.PortNames())
	}
}
