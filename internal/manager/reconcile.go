package manager

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/appkins-org/ovs-vlan-agent/internal/topology"
)

// OpKind names a lifecycle operation.
type OpKind string

const (
	OpCreateBridge  OpKind = "create_bridge"
	OpDestroyBridge OpKind = "destroy_bridge"
	OpCreatePort    OpKind = "create_port"
	OpDestroyPort   OpKind = "destroy_port"
	OpUpdatePort    OpKind = "update_port"
)

// Operation is one lifecycle call issued by the reconciler.
type Operation struct {
	Kind   OpKind
	Target string
	Err    error
}

// Outcome lists the operations of one reconcile pass in issue order.
type Outcome struct {
	Ops []Operation
}

// Applied returns the number of operations that succeeded.
func (o *Outcome) Applied() int {
	n := 0
	for _, op := range o.Ops {
		if op.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of operations that returned an error.
func (o *Outcome) Failed() int {
	return len(o.Ops) - o.Applied()
}

// Counts returns applied and failed operation counts per kind.
func (o *Outcome) Counts() (applied, failed map[string]int) {
	applied = make(map[string]int)
	failed = make(map[string]int)
	for _, op := range o.Ops {
		if op.Err == nil {
			applied[string(op.Kind)]++
		} else {
			failed[string(op.Kind)]++
		}
	}
	return applied, failed
}

// Reconciler drives observed state towards desired state.
type Reconciler struct {
	integrationBridge string
	lifecycle         Lifecycle
	logger            logr.Logger
}

// NewReconciler returns a Reconciler that never touches integrationBridge.
func NewReconciler(integrationBridge string, lifecycle Lifecycle, logger logr.Logger) *Reconciler {
	return &Reconciler{
		integrationBridge: integrationBridge,
		lifecycle:         lifecycle,
		logger:            logger.WithName("reconciler"),
	}
}

// Reconcile runs a teardown pass over observed followed by a setup pass
// over desired. Bridges and ports are visited in name order. A failed
// operation is recorded and the pass continues.
func (r *Reconciler) Reconcile(ctx context.Context, observed, desired topology.Topology) Outcome {
	var out Outcome

	// Teardown.
	for _, name := range observed.Names() {
		if name == r.integrationBridge {
			continue
		}
		ob := observed[name]
		db, ok := desired[name]
		if !ok {
			r.record(&out, OpDestroyBridge, name, r.lifecycle.DestroyBridge(ctx, ob))
			continue
		}
		for _, portName := range ob.PortNames() {
			if dp, ok := db.Ports[portName]; ok {
				// The desired port carries the bridge's policing settings.
				r.record(&out, OpUpdatePort, portName, r.lifecycle.UpdatePort(ctx, dp))
			} else {
				r.record(&out, OpDestroyPort, portName, r.lifecycle.DestroyPort(ctx, ob.Ports[portName]))
			}
		}
	}

	// Setup.
	for _, name := range desired.Names() {
		if name == r.integrationBridge {
			continue
		}
		db := desired[name]
		ob, ok := observed[name]
		if !ok {
			err := r.lifecycle.CreateBridge(ctx, db)
			r.record(&out, OpCreateBridge, name, err)
			if err != nil {
				r.logger.Info("Skipping ports of bridge that failed to create", "bridge", name, "ports", len(db.Ports))
				continue
			}
			for _, portName := range db.PortNames() {
				r.record(&out, OpCreatePort, portName, r.lifecycle.CreatePort(ctx, db.Ports[portName]))
			}
			continue
		}
		for _, portName := range db.PortNames() {
			if _, ok := ob.Ports[portName]; !ok {
				r.record(&out, OpCreatePort, portName, r.lifecycle.CreatePort(ctx, db.Ports[portName]))
			}
		}
	}

	return out
}

func (r *Reconciler) record(out *Outcome, kind OpKind, target string, err error) {
	out.Ops = append(out.Ops, Operation{Kind: kind, Target: target, Err: err})
	if err != nil {
		r.logger.Error(err, "Operation failed", "op", kind, "target", target)
		return
	}
	if kind != OpUpdatePort {
		r.logger.V(1).Info("Operation applied", "op", kind, "target", target)
	}
}
