// Package fleet implements the fleet controller core: the VM registry, the
// allocation policy, backup VM launching, and the periodic reconcile loop
// that keeps the pool in sync with the cloud provider.
package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/matchserve/fleetd/pkg/domain"
)

// Registry is the in-memory model of the VM pool plus the protected-VM slot.
// It is the single mutation point for pool state. All methods take the
// internal lock; none of them perform I/O, so holding the lock is always
// brief. Callers follow the snapshot -> probe outside the lock -> apply
// pattern.
type Registry struct {
	mu        sync.Mutex
	vms       map[string]*domain.VM
	protected string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		vms: make(map[string]*domain.VM),
	}
}

// Len returns the number of tracked VMs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vms)
}

// Get returns a copy of the VM record.
func (r *Registry) Get(instanceID string) (domain.VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.vms[instanceID]
	if !ok {
		return domain.VM{}, false
	}
	return *vm, true
}

// Snapshot returns value copies of every tracked VM, ordered by instance ID,
// for selection phases that must not hold the lock during HTTP I/O.
func (r *Registry) Snapshot() []domain.VM {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, *vm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// UpsertFromCloud inserts a record for a running cloud instance with a public
// IP, or updates the IP of an existing record if the cloud reassigned it.
// Instances without a public IP are never inserted. Reports whether a new
// record was created.
func (r *Registry) UpsertFromCloud(inst domain.Instance, now time.Time) bool {
	if len(inst.PublicIPs) == 0 {
		return false
	}
	ip := inst.PublicIPs[0]

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.vms[inst.InstanceID]; ok {
		existing.IP = ip
		return false
	}

	r.vms[inst.InstanceID] = &domain.VM{
		InstanceID: inst.InstanceID,
		IP:         ip,
		LaunchedAt: now,
		LastSeen:   now,
	}
	return true
}

// Remove deletes a record. Clears the protected slot if it pointed at the
// removed VM. Reports whether a record existed.
func (r *Registry) Remove(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vms[instanceID]; !ok {
		return false
	}
	delete(r.vms, instanceID)
	if r.protected == instanceID {
		r.protected = ""
	}
	return true
}

// ApplyProbeSuccess records a successful status probe: the reported match
// count becomes authoritative, the unreachable counter resets, and lastSeen
// advances.
func (r *Registry) ApplyProbeSuccess(instanceID string, matchCount int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.vms[instanceID]
	if !ok {
		return
	}
	vm.MatchCount = matchCount
	vm.UnreachableCount = 0
	vm.LastSeen = now
}

// ApplyProbeFailure increments the consecutive-failure counter and returns
// the new value. Returns zero for unknown instances.
func (r *Registry) ApplyProbeFailure(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.vms[instanceID]
	if !ok {
		return 0
	}
	vm.UnreachableCount++
	return vm.UnreachableCount
}

// IncrementMatchCount optimistically bumps the match count after a successful
// start-match. The next successful probe overwrites any drift.
func (r *Registry) IncrementMatchCount(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vm, ok := r.vms[instanceID]; ok {
		vm.MatchCount++
	}
}

// Protected returns the instance ID of the protected VM, or "" if unset.
func (r *Registry) Protected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protected
}

// SetProtected points the protected slot at an existing VM. Passing "" clears
// the slot. Reports whether the slot was updated.
func (r *Registry) SetProtected(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instanceID == "" {
		r.protected = ""
		return true
	}
	if _, ok := r.vms[instanceID]; !ok {
		return false
	}
	r.protected = instanceID
	return true
}
