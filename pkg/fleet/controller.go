package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
	"github.com/matchserve/fleetd/pkg/metrics"
)

// maxConcurrentProbes bounds the status probe fan-out so a large pool does
// not open hundreds of sockets at once.
const maxConcurrentProbes = 16

// Controller owns all mutable fleet state: the VM registry, the protected
// slot, the match store, and the single-flight launch flag. One long-lived
// Controller serves both the request path and the reconcile loop.
type Controller struct {
	cfg     *config.Config
	cloud   domain.CloudProvider
	workers domain.WorkerClient
	reg     *Registry
	matches *MatchStore
	met     *metrics.Metrics
	log     *logrus.Entry

	// launching enforces at most one VM launch in flight process-wide.
	launching atomic.Bool

	// reconciling makes ticks skip instead of piling up.
	reconciling atomic.Bool

	probeSem *semaphore.Weighted

	// Launch poll pacing; tests shrink these.
	launchPollBase time.Duration
	launchPollStep time.Duration
}

// NewController wires the fleet controller.
func NewController(cfg *config.Config, cloud domain.CloudProvider, workers domain.WorkerClient, met *metrics.Metrics, log *logrus.Entry) *Controller {
	return &Controller{
		cfg:            cfg,
		cloud:          cloud,
		workers:        workers,
		reg:            NewRegistry(),
		matches:        NewMatchStore(),
		met:            met,
		log:            log.WithField("component", "fleet-controller"),
		probeSem:       semaphore.NewWeighted(maxConcurrentProbes),
		launchPollBase: 5 * time.Second,
		launchPollStep: 250 * time.Millisecond,
	}
}

// Registry exposes the VM registry for the debug endpoint.
func (c *Controller) Registry() *Registry { return c.reg }

// Matches exposes the match store for the lookup and debug endpoints.
func (c *Controller) Matches() *MatchStore { return c.matches }

// AllocationRequest is a validated match request ready for placement.
type AllocationRequest struct {
	MatchID      string
	GameMode     string
	MatchPrivacy string
	TickRate     int
	MatchType    string
}

// AllocateMatch picks a VM, starts the match on its worker, and records the
// result. The VM's match count is incremented only after start-match
// succeeds; a failed start leaves pool state unchanged and the next reconcile
// normalizes from status.
func (c *Controller) AllocateMatch(ctx context.Context, req AllocationRequest) (*domain.Match, error) {
	start := time.Now()
	defer func() {
		c.met.AllocationDuration.Observe(time.Since(start).Seconds())
	}()

	vm, err := c.GetAvailableVM(ctx)
	if err != nil {
		c.met.AllocationFailures.WithLabelValues("no_vm").Inc()
		return nil, err
	}

	scene, _ := domain.SceneFor(req.GameMode)
	result, err := c.workers.StartMatch(ctx, vm.IP, domain.StartMatchRequest{
		MatchID:          req.MatchID,
		GameMode:         req.GameMode,
		SceneName:        scene,
		MatchPrivacy:     req.MatchPrivacy,
		TickRate:         req.TickRate,
		MatchType:        req.MatchType,
		PlayfabSecretKey: c.cfg.Server.PlayfabSecretKey,
	})
	if err != nil {
		c.met.AllocationFailures.WithLabelValues("worker_error").Inc()
		c.log.WithError(err).WithFields(logrus.Fields{
			"match_id":    req.MatchID,
			"instance_id": vm.InstanceID,
		}).Error("Worker failed to start match")
		return nil, err
	}

	match := domain.Match{
		MatchID:      req.MatchID,
		GameMode:     req.GameMode,
		MatchPrivacy: req.MatchPrivacy,
		TickRate:     req.TickRate,
		MatchType:    req.MatchType,
		ServerIP:     vm.IP,
		ServerPort:   result.ServerPort,
		ContainerID:  result.ContainerID,
		VMInstanceID: vm.InstanceID,
		StartedAt:    time.Now(),
	}
	c.matches.Add(match)
	c.reg.IncrementMatchCount(vm.InstanceID)

	c.met.MatchesStarted.Inc()
	c.met.ActiveMatches.Set(float64(c.matches.Len()))

	c.log.WithFields(logrus.Fields{
		"match_id":    req.MatchID,
		"game_mode":   req.GameMode,
		"instance_id": vm.InstanceID,
		"server_ip":   vm.IP,
		"server_port": result.ServerPort,
	}).Info("Match allocated")

	return &match, nil
}

// probeResult is one VM's status probe outcome.
type probeResult struct {
	instanceID string
	ip         string
	count      int
	err        error
}

// probeAll checks every VM in vms in parallel (bounded by probeSem), applies
// the results to the registry, and returns the per-VM outcomes. The caller
// never holds the registry lock across this call.
func (c *Controller) probeAll(ctx context.Context, vms []domain.VM) []probeResult {
	results := make([]probeResult, len(vms))
	now := time.Now()

	var wg sync.WaitGroup
	for i, vm := range vms {
		wg.Add(1)
		go func(i int, vm domain.VM) {
			defer wg.Done()

			if err := c.probeSem.Acquire(ctx, 1); err != nil {
				results[i] = probeResult{instanceID: vm.InstanceID, ip: vm.IP, err: err}
				return
			}
			defer c.probeSem.Release(1)

			status, err := c.workers.Status(ctx, vm.IP)
			results[i] = probeResult{
				instanceID: vm.InstanceID,
				ip:         vm.IP,
				count:      status.ActiveMatches,
				err:        err,
			}
		}(i, vm)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			c.met.ProbeFailures.Inc()
			c.reg.ApplyProbeFailure(res.instanceID)
			c.log.WithError(res.err).WithFields(logrus.Fields{
				"instance_id": res.instanceID,
				"ip":          res.ip,
			}).Warn("Status probe failed")
			continue
		}
		c.reg.ApplyProbeSuccess(res.instanceID, res.count, now)
	}

	return results
}
