package fleet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/domain"
)

// LaunchBackupVM launches one spot VM and waits for it to come up with a
// public IP.
//
// The launch is single-flight: at most one may be in progress process-wide,
// and concurrent callers get (nil, nil) immediately instead of blocking.
// A nil VM with a nil error means no VM was produced (pool at ceiling,
// another launch in flight, or poll attempts exhausted); callers treat it the
// same as a failed launch.
func (c *Controller) LaunchBackupVM(ctx context.Context) (*domain.VM, error) {
	if c.reg.Len() >= c.cfg.Fleet.MaxBackupVMs {
		return nil, nil
	}
	if !c.launching.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer c.launching.Store(false)

	instanceID, err := c.cloud.RunOne(ctx)
	if err != nil {
		c.met.LaunchesTotal.WithLabelValues("run_failed").Inc()
		return nil, err
	}

	log := c.log.WithField("instance_id", instanceID)
	log.Info("Waiting for backup VM to become running")

	for i := 0; i < c.cfg.Fleet.LaunchMaxPoll; i++ {
		delay := c.launchPollBase + time.Duration(i)*c.launchPollStep

		select {
		case <-ctx.Done():
			c.abandonLaunch(instanceID, "canceled")
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		instances, err := c.cloud.Describe(ctx, []string{instanceID})
		if err != nil {
			log.WithError(err).Warn("Launch poll failed")
			continue
		}

		for _, inst := range instances {
			if inst.InstanceID != instanceID || !inst.Running() {
				continue
			}

			c.reg.UpsertFromCloud(inst, time.Now())
			if c.reg.Protected() == "" {
				c.reg.SetProtected(instanceID)
			}
			c.met.LaunchesTotal.WithLabelValues("success").Inc()
			c.met.VMPoolSize.Set(float64(c.reg.Len()))

			vm, ok := c.reg.Get(instanceID)
			if !ok {
				// Removed between upsert and read; treat as lost.
				return nil, nil
			}
			log.WithFields(logrus.Fields{
				"ip":    vm.IP,
				"polls": i + 1,
			}).Info("Backup VM is running")
			return &vm, nil
		}
	}

	c.abandonLaunch(instanceID, "poll_timeout")
	return nil, nil
}

// abandonLaunch best-effort terminates an instance that never became usable.
// Uses a fresh context so cleanup still happens when the launch context is
// already canceled.
func (c *Controller) abandonLaunch(instanceID, reason string) {
	c.met.LaunchesTotal.WithLabelValues(reason).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.cloud.Terminate(ctx, []string{instanceID}); err != nil {
		c.log.WithError(err).WithField("instance_id", instanceID).
			Warn("Failed to terminate abandoned launch")
	} else {
		c.log.WithFields(logrus.Fields{
			"instance_id": instanceID,
			"reason":      reason,
		}).Info("Abandoned launch terminated")
	}
}
