package hypervisor

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
)

// Index maps host interface names to the libvirt domain that owns them.
type Index struct {
	// Owner maps target device to domain name.
	Owner map[string]string
	// MAC maps target device to the MAC address in the descriptor.
	MAC map[string]string
	// Domains is every domain the hypervisor knows, running or defined.
	Domains map[string]struct{}
	// Err is set when the index is empty or partial.
	Err error
}

// Unavailable reports whether the index is incomplete because libvirtd
// could not be reached, as opposed to a bad descriptor.
func (i *Index) Unavailable() bool {
	return errors.Is(i.Err, ErrUnavailable)
}

// DomainNames returns the known domain names.
func (i *Index) DomainNames() []string {
	out := make([]string, 0, len(i.Domains))
	for name := range i.Domains {
		out = append(out, name)
	}
	return out
}

// BuildIndex describes every domain. Failures degrade to an empty or
// partial index with Err set; they are logged, never returned.
func BuildIndex(ctx context.Context, hv Hypervisor, logger logr.Logger) *Index {
	idx := &Index{
		Owner:   make(map[string]string),
		MAC:     make(map[string]string),
		Domains: make(map[string]struct{}),
	}

	domains, err := hv.Domains(ctx)
	if err != nil {
		idx.Err = err
		logger.Error(err, "Hypervisor interface index is incomplete", "domains", len(domains))
	}

	for _, d := range domains {
		idx.Domains[d.Name] = struct{}{}
		for _, iface := range d.Interfaces {
			if owner, ok := idx.Owner[iface.Dev]; ok && owner != d.Name {
				logger.Info("Interface claimed by more than one domain",
					"interface", iface.Dev, "domain", d.Name, "previous", owner)
			}
			idx.Owner[iface.Dev] = d.Name
			if iface.MAC != "" {
				idx.MAC[iface.Dev] = iface.MAC
			}
		}
	}

	logger.V(1).Info("Built hypervisor interface index", "domains", len(idx.Domains), "interfaces", len(idx.Owner))
	return idx
}
