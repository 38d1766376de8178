package fleet

import (
	"context"
	"sort"

	"github.com/matchserve/fleetd/pkg/domain"
)

// GetAvailableVM picks the VM that should host the next match.
//
// The selection probes every known VM first so placement decisions use fresh
// match counts, then prefers the least-loaded, least-recently-seen candidate.
// When no VM has room it falls back to launching a backup VM; if the pool is
// at its ceiling or the launch fails, the request fails with ErrNoCapacity.
//
// Two simultaneous requests may pick the same VM: FULL_MATCH_LIMIT is
// advisory and brief over-assignment self-corrects on the next reconcile.
func (c *Controller) GetAvailableVM(ctx context.Context) (*domain.VM, error) {
	if vms := c.reg.Snapshot(); len(vms) > 0 {
		c.probeAll(ctx, vms)
	}

	if vm := c.pickCandidate(); vm != nil {
		return vm, nil
	}

	vm, err := c.LaunchBackupVM(ctx)
	if err != nil {
		c.log.WithError(err).Error("Backup VM launch failed")
		return nil, domain.ErrNoCapacity
	}
	if vm == nil {
		return nil, domain.ErrNoCapacity
	}
	return vm, nil
}

// pickCandidate returns the best VM from the refreshed registry, or nil when
// every VM is full or unreachable.
func (c *Controller) pickCandidate() *domain.VM {
	vms := c.reg.Snapshot()

	candidates := vms[:0]
	for _, vm := range vms {
		if vm.MatchCount < c.cfg.Fleet.FullMatchLimit && vm.UnreachableCount == 0 {
			candidates = append(candidates, vm)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Snapshot order is instanceId-lexical, which settles any remaining tie.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].MatchCount != candidates[j].MatchCount {
			return candidates[i].MatchCount < candidates[j].MatchCount
		}
		return candidates[i].LastSeen.Before(candidates[j].LastSeen)
	})

	vm := candidates[0]
	return &vm
}
