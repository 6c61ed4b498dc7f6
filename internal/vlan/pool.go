// Package vlan allocates VLAN tags to networks from a bounded range.
package vlan

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/go-logr/logr"
)

var (
	ErrNoFreeVLAN    = errors.New("no free VLAN tag")
	ErrOutOfRange    = errors.New("VLAN tag out of range")
	ErrTagInUse      = errors.New("VLAN tag held by another network")
	ErrNetworkHasTag = errors.New("network already holds a different VLAN tag")
)

// Pool hands out tags in [min, max]. Every allocated tag has exactly one
// owning network and every network holds at most one tag.
type Pool struct {
	mu  sync.Mutex
	min int
	max int
	// taken[tag-min] is the allocation state; the maps mirror it.
	taken     []bool
	byNetwork map[string]int
	byTag     map[int]string
	logger    logr.Logger
}

// NewPool returns a pool with the whole range free.
func NewPool(first, last int, logger logr.Logger) (*Pool, error) {
	if first > last {
		return nil, fmt.Errorf("invalid VLAN range [%d,%d]", first, last)
	}
	return &Pool{
		min:       first,
		max:       last,
		taken:     make([]bool, last-first+1),
		byNetwork: make(map[string]int),
		byTag:     make(map[int]string),
		logger:    logger.WithName("vlan-pool"),
	}, nil
}

// Acquire assigns the lowest free tag to networkID. A network that already
// holds a tag gets the same tag back.
func (p *Pool) Acquire(networkID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tag, ok := p.byNetwork[networkID]; ok {
		return tag, nil
	}
	for i, taken := range p.taken {
		if taken {
			continue
		}
		tag := p.min + i
		p.assign(tag, networkID)
		p.logger.V(1).Info("Allocated VLAN", "network", networkID, "vlan", tag)
		return tag, nil
	}
	return 0, fmt.Errorf("%w in [%d,%d] for network %s", ErrNoFreeVLAN, p.min, p.max, networkID)
}

// Release returns the network's tag to the free set.
func (p *Pool) Release(networkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag, ok := p.byNetwork[networkID]
	if !ok {
		p.logger.V(1).Info("No VLAN allocated to network, nothing to release", "network", networkID)
		return
	}
	p.taken[tag-p.min] = false
	delete(p.byNetwork, networkID)
	delete(p.byTag, tag)
	p.logger.V(1).Info("Released VLAN", "network", networkID, "vlan", tag)
}

// AlreadyUsed records a tag that was allocated outside Acquire, for example
// one read back from the database. Marking the same pair twice is a no-op.
func (p *Pool) AlreadyUsed(tag int, networkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tag < p.min || tag > p.max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, tag, p.min, p.max)
	}
	if owner, ok := p.byTag[tag]; ok {
		if owner == networkID {
			return nil
		}
		return fmt.Errorf("%w: %d held by %s, wanted by %s", ErrTagInUse, tag, owner, networkID)
	}
	if held, ok := p.byNetwork[networkID]; ok {
		return fmt.Errorf("%w: %s holds %d, wanted %d", ErrNetworkHasTag, networkID, held, tag)
	}
	p.assign(tag, networkID)
	return nil
}

func (p *Pool) assign(tag int, networkID string) {
	p.taken[tag-p.min] = true
	p.byNetwork[networkID] = tag
	p.byTag[tag] = networkID
}

// Lookup returns the tag held by networkID.
func (p *Pool) Lookup(networkID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tag, ok := p.byNetwork[networkID]
	return tag, ok
}

// Owner returns the network holding tag.
func (p *Pool) Owner(tag int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.byTag[tag]
	return owner, ok
}

// Free returns the free tags in ascending order.
func (p *Pool) Free() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, 0, len(p.taken)-len(p.byTag))
	for i, taken := range p.taken {
		if !taken {
			out = append(out, p.min+i)
		}
	}
	return out
}

// Allocated returns a copy of the tag to network mapping.
func (p *Pool) Allocated() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.byTag)
}

// Range returns the pool bounds.
func (p *Pool) Range() (int, int) {
	return p.min, p.max
}
