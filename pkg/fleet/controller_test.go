package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
	"github.com/matchserve/fleetd/pkg/metrics"
)

// mockCloud is a scriptable CloudProvider. Terminated IDs are recorded.
type mockCloud struct {
	mu sync.Mutex

	describeAllFunc func(ctx context.Context) ([]domain.Instance, error)
	describeFunc    func(ctx context.Context, ids []string) ([]domain.Instance, error)
	runFunc         func(ctx context.Context) (string, error)
	terminateErr    error

	describeAllCalls int
	runCalls         int
	terminated       []string
}

func (m *mockCloud) DescribeAll(ctx context.Context) ([]domain.Instance, error) {
	m.mu.Lock()
	m.describeAllCalls++
	fn := m.describeAllFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func (m *mockCloud) Describe(ctx context.Context, ids []string) ([]domain.Instance, error) {
	m.mu.Lock()
	fn := m.describeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, ids)
}

func (m *mockCloud) RunOne(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.runCalls++
	fn := m.runFunc
	m.mu.Unlock()
	if fn == nil {
		return "", errors.New("runFunc not scripted")
	}
	return fn(ctx)
}

func (m *mockCloud) Terminate(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, ids...)
	return m.terminateErr
}

func (m *mockCloud) terminatedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.terminated...)
}

// mockWorkers is a scriptable WorkerClient keyed by VM IP.
type mockWorkers struct {
	mu sync.Mutex

	statusFunc func(ip string) (domain.WorkerStatus, error)
	startFunc  func(ip string, req domain.StartMatchRequest) (*domain.StartMatchResult, error)

	startCalls []domain.StartMatchRequest
}

func (m *mockWorkers) Status(ctx context.Context, ip string) (domain.WorkerStatus, error) {
	m.mu.Lock()
	fn := m.statusFunc
	m.mu.Unlock()
	if fn == nil {
		return domain.WorkerStatus{}, nil
	}
	return fn(ip)
}

func (m *mockWorkers) StartMatch(ctx context.Context, ip string, req domain.StartMatchRequest) (*domain.StartMatchResult, error) {
	m.mu.Lock()
	m.startCalls = append(m.startCalls, req)
	fn := m.startFunc
	m.mu.Unlock()
	if fn == nil {
		return &domain.StartMatchResult{Success: true, ServerPort: 7777}, nil
	}
	return fn(ip, req)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.PlayfabSecretKey = "secret"
	cfg.Fleet.LaunchMaxPoll = 3
	return cfg
}

func newTestController(cfg *config.Config, cloud *mockCloud, workers *mockWorkers) *Controller {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	c := NewController(cfg, cloud, workers, metrics.New("test"), logrus.NewEntry(logger))
	c.launchPollBase = time.Millisecond
	c.launchPollStep = 0
	return c
}

// seedVM plants a record directly, bypassing the cloud upsert path.
func seedVM(r *Registry, vm domain.VM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := vm
	r.vms[vm.InstanceID] = &copied
}

func TestAllocateMatch(t *testing.T) {
	cfg := testConfig()
	cloud := &mockCloud{}
	workers := &mockWorkers{
		startFunc: func(ip string, req domain.StartMatchRequest) (*domain.StartMatchResult, error) {
			return &domain.StartMatchResult{Success: true, ServerPort: 7777, ContainerID: "ctr-1"}, nil
		},
	}
	c := newTestController(cfg, cloud, workers)
	seedVM(c.reg, domain.VM{InstanceID: "i-aaa", IP: "3.64.1.1", LaunchedAt: time.Now()})

	match, err := c.AllocateMatch(context.Background(), AllocationRequest{
		MatchID:      "m-1",
		GameMode:     "VersusMen_Online",
		MatchPrivacy: domain.PrivacyPublic,
		TickRate:     30,
		MatchType:    domain.MatchTypeQuickPlay,
	})
	if err != nil {
		t.Fatalf("AllocateMatch failed: %v", err)
	}

	if match.ServerIP != "3.64.1.1" || match.ServerPort != 7777 || match.ContainerID != "ctr-1" {
		t.Errorf("match descriptor = %+v", match)
	}
	if match.VMInstanceID != "i-aaa" {
		t.Errorf("VMInstanceID = %s, want i-aaa", match.VMInstanceID)
	}

	if len(workers.startCalls) != 1 {
		t.Fatalf("start-match called %d times, want 1", len(workers.startCalls))
	}
	if workers.startCalls[0].PlayfabSecretKey != "secret" {
		t.Error("start-match request must carry the PlayFab secret")
	}

	if got, _ := c.matches.Get("m-1"); got.MatchID != "m-1" {
		t.Error("match record not stored")
	}
	if vm, _ := c.reg.Get("i-aaa"); vm.MatchCount != 1 {
		t.Errorf("MatchCount = %d, want 1", vm.MatchCount)
	}
}

func TestAllocateMatch_WorkerFailureLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cloud := &mockCloud{}
	workers := &mockWorkers{
		startFunc: func(ip string, req domain.StartMatchRequest) (*domain.StartMatchResult, error) {
			return nil, &domain.WorkerError{Kind: domain.WorkerRejected, Op: "start-match", IP: ip}
		},
	}
	c := newTestController(cfg, cloud, workers)
	seedVM(c.reg, domain.VM{InstanceID: "i-aaa", IP: "3.64.1.1", LaunchedAt: time.Now()})

	_, err := c.AllocateMatch(context.Background(), AllocationRequest{MatchID: "m-1", GameMode: "Survival_Online"})
	if err == nil {
		t.Fatal("AllocateMatch should fail when the worker rejects")
	}

	if c.matches.Len() != 0 {
		t.Error("failed allocation must not store a match record")
	}
	if vm, _ := c.reg.Get("i-aaa"); vm.MatchCount != 0 {
		t.Errorf("MatchCount = %d, want 0 after failed start", vm.MatchCount)
	}
}

func TestAllocateMatch_NoCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Fleet.MaxBackupVMs = 0
	c := newTestController(cfg, &mockCloud{}, &mockWorkers{})

	_, err := c.AllocateMatch(context.Background(), AllocationRequest{MatchID: "m-1", GameMode: "Survival_Online"})
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestProbeAll_AppliesResults(t *testing.T) {
	cfg := testConfig()
	workers := &mockWorkers{
		statusFunc: func(ip string) (domain.WorkerStatus, error) {
			if ip == "3.64.1.2" {
				return domain.WorkerStatus{}, &domain.WorkerError{Kind: domain.WorkerTimeout, Op: "status", IP: ip}
			}
			return domain.WorkerStatus{ActiveMatches: 3}, nil
		},
	}
	c := newTestController(cfg, &mockCloud{}, workers)
	seedVM(c.reg, domain.VM{InstanceID: "i-aaa", IP: "3.64.1.1", MatchCount: 1, LaunchedAt: time.Now()})
	seedVM(c.reg, domain.VM{InstanceID: "i-bbb", IP: "3.64.1.2", LaunchedAt: time.Now()})

	c.probeAll(context.Background(), c.reg.Snapshot())

	if vm, _ := c.reg.Get("i-aaa"); vm.MatchCount != 3 || vm.UnreachableCount != 0 {
		t.Errorf("i-aaa after probe = %+v, want MatchCount 3", vm)
	}
	if vm, _ := c.reg.Get("i-bbb"); vm.UnreachableCount != 1 {
		t.Errorf("i-bbb UnreachableCount = %d, want 1", vm.UnreachableCount)
	}
}
