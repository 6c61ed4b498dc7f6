package vlan

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/appkins-org/ovs-vlan-agent/internal/store"
)

// Lister reads persisted network tags.
type Lister interface {
	NetworkVLANs(ctx context.Context) ([]store.NetworkVLAN, error)
}

// Restore marks every persisted tag as used. Records that conflict with the
// pool are logged and returned joined; the rest are still applied.
func Restore(ctx context.Context, lister Lister, pool *Pool, logger logr.Logger) error {
	records, err := lister.NetworkVLANs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list network VLANs: %w", err)
	}

	tagged := lo.Filter(records, func(r store.NetworkVLAN, _ int) bool {
		return r.VLANTag != nil
	})

	var errs []error
	for _, r := range tagged {
		if err := pool.AlreadyUsed(*r.VLANTag, r.NetworkID); err != nil {
			logger.Error(err, "Persisted VLAN conflicts with pool", "network", r.NetworkID, "vlan", *r.VLANTag)
			errs = append(errs, err)
		}
	}

	logger.Info("Restored VLAN allocations", "records", len(tagged), "conflicts", len(errs))
	return errors.Join(errs...)
}
