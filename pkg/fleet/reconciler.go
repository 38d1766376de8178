package fleet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/domain"
)

// Run executes one reconcile immediately and then one per update interval
// until ctx is canceled. Ticks run synchronously on this goroutine, so a slow
// tick makes the ticker drop intervals instead of piling work up.
func (c *Controller) Run(ctx context.Context) {
	c.log.WithField("interval", c.cfg.Fleet.UpdateInterval).Info("Starting reconcile loop")

	c.Tick(ctx)

	ticker := time.NewTicker(c.cfg.Fleet.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Reconcile loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one pass of the control loop: cloud sync, health refresh with
// idle/unreachable termination, pool floor top-up, near-capacity scale-up,
// protection upkeep, and stale-match purging. A tick that finds the previous
// one still running skips instead of overlapping; all terminations happen on
// this one goroutine, serialized within the tick.
func (c *Controller) Tick(ctx context.Context) {
	if !c.reconciling.CompareAndSwap(false, true) {
		c.log.Warn("Previous reconcile still running, skipping tick")
		return
	}
	defer c.reconciling.Store(false)

	start := time.Now()
	defer func() {
		c.met.ReconcileDuration.Observe(time.Since(start).Seconds())
		c.met.VMPoolSize.Set(float64(c.reg.Len()))
	}()

	c.syncCloud(ctx)

	freeSlots := c.refreshHealth(ctx)
	c.met.TotalFreeSlots.Set(float64(freeSlots))

	c.topUpMinPool(ctx)
	c.scaleUpNearCapacity(ctx, freeSlots)
	c.ensureProtection(time.Now())
	c.purgeStaleMatches(time.Now())
}

// syncCloud reconciles the registry against the provider's view: tracked VMs
// that are gone or no longer running are dropped, running instances with a
// public IP are discovered, and reassigned IPs are updated. A describe
// failure aborts only this phase; later phases run against last-known state.
func (c *Controller) syncCloud(ctx context.Context) {
	instances, err := c.cloud.DescribeAll(ctx)
	if err != nil {
		c.log.WithError(err).Error("Cloud sync failed, keeping last-known pool state")
		return
	}

	now := time.Now()
	byID := make(map[string]domain.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.InstanceID] = inst
	}

	for _, vm := range c.reg.Snapshot() {
		inst, ok := byID[vm.InstanceID]
		if ok && inst.State == domain.InstanceStateRunning {
			continue
		}
		c.reg.Remove(vm.InstanceID)
		c.log.WithFields(logrus.Fields{
			"instance_id": vm.InstanceID,
			"state":       inst.State,
		}).Info("Dropped VM no longer running in cloud")
	}

	for _, inst := range instances {
		if !inst.Running() {
			continue
		}
		if c.reg.UpsertFromCloud(inst, now) {
			c.log.WithFields(logrus.Fields{
				"instance_id": inst.InstanceID,
				"ip":          inst.PublicIPs[0],
			}).Info("Discovered running instance")
		}
	}
}

// refreshHealth probes every tracked VM, terminates the ones that earned it,
// and returns the total free match slots across reachable survivors.
func (c *Controller) refreshHealth(ctx context.Context) int {
	vms := c.reg.Snapshot()
	if len(vms) == 0 {
		return 0
	}

	results := c.probeAll(ctx, vms)

	freeSlots := 0
	for _, res := range results {
		vm, ok := c.reg.Get(res.instanceID)
		if !ok {
			continue
		}

		if res.err != nil {
			if vm.UnreachableCount >= c.cfg.Fleet.UnreachableTerminateThreshold {
				c.terminateIfEligible(ctx, vm, "unreachable")
			}
			continue
		}

		terminated := false
		if vm.MatchCount == 0 {
			terminated = c.terminateIfEligible(ctx, vm, "idle")
		}
		if !terminated {
			freeSlots += vm.FreeSlots(c.cfg.Fleet.FullMatchLimit)
		}
	}
	return freeSlots
}

// terminateIfEligible applies the common termination gates: minimum age,
// protection, and the pool floor. Termination itself is best-effort; the
// record is removed either way and the next cloud sync rediscovers anything
// that survived.
func (c *Controller) terminateIfEligible(ctx context.Context, vm domain.VM, reason string) bool {
	if vm.Age(time.Now()) < c.cfg.Fleet.VMAgeTerminateAfter {
		return false
	}
	if c.reg.Protected() == vm.InstanceID {
		return false
	}
	if c.reg.Len() <= c.cfg.Fleet.MinBackupVMs {
		return false
	}

	if err := c.cloud.Terminate(ctx, []string{vm.InstanceID}); err != nil {
		c.log.WithError(err).WithField("instance_id", vm.InstanceID).
			Warn("Terminate request failed")
	}
	c.reg.Remove(vm.InstanceID)
	c.met.TerminationsTotal.WithLabelValues(reason).Inc()

	c.log.WithFields(logrus.Fields{
		"instance_id": vm.InstanceID,
		"reason":      reason,
		"age":         vm.Age(time.Now()).Round(time.Second),
	}).Info("Terminated VM")
	return true
}

// topUpMinPool launches toward the pool floor. Launches are single-flight,
// so one tick closes the gap by at most one VM; following ticks finish the
// job.
func (c *Controller) topUpMinPool(ctx context.Context) {
	if c.reg.Len() >= c.cfg.Fleet.MinBackupVMs {
		return
	}

	c.log.WithFields(logrus.Fields{
		"pool_size": c.reg.Len(),
		"min":       c.cfg.Fleet.MinBackupVMs,
	}).Info("Pool below floor, launching backup VM")

	if _, err := c.LaunchBackupVM(ctx); err != nil {
		c.log.WithError(err).Error("Floor top-up launch failed")
	}
}

// scaleUpNearCapacity launches one VM when free capacity across the pool has
// dropped to the configured threshold.
func (c *Controller) scaleUpNearCapacity(ctx context.Context, freeSlots int) {
	if freeSlots > c.cfg.Fleet.NearCapacityThreshold {
		return
	}
	if c.reg.Len() >= c.cfg.Fleet.MaxBackupVMs {
		return
	}

	c.log.WithFields(logrus.Fields{
		"free_slots": freeSlots,
		"threshold":  c.cfg.Fleet.NearCapacityThreshold,
	}).Info("Pool near capacity, launching backup VM")

	if _, err := c.LaunchBackupVM(ctx); err != nil {
		c.log.WithError(err).Error("Scale-up launch failed")
	}
}

// ensureProtection keeps exactly one VM exempt from termination while the
// pool is non-empty, and rotates the exemption away from a protected VM that
// has gone stale.
func (c *Controller) ensureProtection(now time.Time) {
	vms := c.reg.Snapshot()
	if len(vms) == 0 {
		return
	}

	protected := c.reg.Protected()
	if protected == "" {
		oldest := oldestVM(vms, "")
		c.reg.SetProtected(oldest.InstanceID)
		c.log.WithField("instance_id", oldest.InstanceID).Info("Elected protected VM")
		return
	}

	vm, ok := c.reg.Get(protected)
	if !ok {
		// Remove clears the slot, so this only happens if the slot was set
		// badly; elect fresh.
		oldest := oldestVM(vms, "")
		c.reg.SetProtected(oldest.InstanceID)
		return
	}

	if now.Sub(vm.LastSeen) <= c.cfg.Fleet.ProtectedIdleRotateAfter {
		return
	}
	oldest := oldestVM(vms, protected)
	if oldest == nil {
		return
	}

	c.reg.SetProtected(oldest.InstanceID)
	c.met.ProtectionRotation.Inc()
	c.log.WithFields(logrus.Fields{
		"previous":    protected,
		"instance_id": oldest.InstanceID,
		"idle":        now.Sub(vm.LastSeen).Round(time.Minute),
	}).Info("Rotated protected VM")
}

// oldestVM returns the VM with the earliest LaunchedAt, skipping excludeID.
// Ties fall to the lexically smallest instance ID because vms arrives in
// snapshot order. Returns nil if no VM qualifies.
func oldestVM(vms []domain.VM, excludeID string) *domain.VM {
	var oldest *domain.VM
	for i := range vms {
		vm := &vms[i]
		if vm.InstanceID == excludeID {
			continue
		}
		if oldest == nil || vm.LaunchedAt.Before(oldest.LaunchedAt) {
			oldest = vm
		}
	}
	return oldest
}

// purgeStaleMatches drops match records whose VM left the registry more than
// the retention period ago. Retention zero disables purging.
func (c *Controller) purgeStaleMatches(now time.Time) {
	if c.cfg.Fleet.MatchRetention <= 0 {
		return
	}

	purged := c.matches.Purge(func(instanceID string) bool {
		_, ok := c.reg.Get(instanceID)
		return ok
	}, c.cfg.Fleet.MatchRetention, now)

	if purged > 0 {
		c.log.WithField("purged", purged).Info("Purged stale match records")
	}
	c.met.ActiveMatches.Set(float64(c.matches.Len()))
}
