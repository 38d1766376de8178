package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matchserve/fleetd/pkg/domain"
)

func TestPickCandidate(t *testing.T) {
	base := time.Now()

	tests := []struct {
		name string
		vms  []domain.VM
		want string // "" means no candidate
	}{
		{
			name: "LeastLoadedWins",
			vms: []domain.VM{
				{InstanceID: "i-aaa", MatchCount: 2, LastSeen: base},
				{InstanceID: "i-bbb", MatchCount: 1, LastSeen: base},
			},
			want: "i-bbb",
		},
		{
			name: "LeastRecentlySeenBreaksLoadTie",
			vms: []domain.VM{
				{InstanceID: "i-aaa", MatchCount: 1, LastSeen: base},
				{InstanceID: "i-bbb", MatchCount: 1, LastSeen: base.Add(-time.Minute)},
			},
			want: "i-bbb",
		},
		{
			name: "FullVMsExcluded",
			vms: []domain.VM{
				{InstanceID: "i-aaa", MatchCount: 5, LastSeen: base},
			},
			want: "",
		},
		{
			name: "UnreachableVMsExcluded",
			vms: []domain.VM{
				{InstanceID: "i-aaa", MatchCount: 0, UnreachableCount: 1, LastSeen: base},
				{InstanceID: "i-bbb", MatchCount: 4, LastSeen: base},
			},
			want: "i-bbb",
		},
		{
			name: "InstanceIDBreaksFullTie",
			vms: []domain.VM{
				{InstanceID: "i-bbb", MatchCount: 1, LastSeen: base},
				{InstanceID: "i-aaa", MatchCount: 1, LastSeen: base},
			},
			want: "i-aaa",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(testConfig(), &mockCloud{}, &mockWorkers{})
			for _, vm := range tt.vms {
				seedVM(c.reg, vm)
			}

			got := c.pickCandidate()
			if tt.want == "" {
				if got != nil {
					t.Fatalf("pickCandidate = %+v, want none", got)
				}
				return
			}
			if got == nil || got.InstanceID != tt.want {
				t.Fatalf("pickCandidate = %+v, want %s", got, tt.want)
			}
		})
	}
}

func TestGetAvailableVM_ProbesBeforePicking(t *testing.T) {
	cfg := testConfig()
	workers := &mockWorkers{
		statusFunc: func(ip string) (domain.WorkerStatus, error) {
			// The stale registry count says i-aaa is free, the worker says full.
			if ip == "3.64.1.1" {
				return domain.WorkerStatus{ActiveMatches: 5}, nil
			}
			return domain.WorkerStatus{ActiveMatches: 2}, nil
		},
	}
	c := newTestController(cfg, &mockCloud{}, workers)
	seedVM(c.reg, domain.VM{InstanceID: "i-aaa", IP: "3.64.1.1", MatchCount: 0, LaunchedAt: time.Now()})
	seedVM(c.reg, domain.VM{InstanceID: "i-bbb", IP: "3.64.1.2", MatchCount: 4, LaunchedAt: time.Now()})

	vm, err := c.GetAvailableVM(context.Background())
	if err != nil {
		t.Fatalf("GetAvailableVM failed: %v", err)
	}
	if vm.InstanceID != "i-bbb" {
		t.Errorf("picked %s, want i-bbb after fresh probes", vm.InstanceID)
	}
}

func TestGetAvailableVM_FallsBackToLaunch(t *testing.T) {
	cfg := testConfig()
	cloud := &mockCloud{
		runFunc: func(ctx context.Context) (string, error) { return "i-new", nil },
		describeFunc: func(ctx context.Context, ids []string) ([]domain.Instance, error) {
			return []domain.Instance{{
				InstanceID: "i-new",
				State:      domain.InstanceStateRunning,
				PublicIPs:  []string{"3.64.2.1"},
			}}, nil
		},
	}
	c := newTestController(cfg, cloud, &mockWorkers{})

	vm, err := c.GetAvailableVM(context.Background())
	if err != nil {
		t.Fatalf("GetAvailableVM failed: %v", err)
	}
	if vm.InstanceID != "i-new" {
		t.Errorf("GetAvailableVM = %s, want the freshly launched i-new", vm.InstanceID)
	}
	if cloud.runCalls != 1 {
		t.Errorf("runCalls = %d, want 1", cloud.runCalls)
	}
}

func TestGetAvailableVM_NoCapacityAtCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Fleet.MaxBackupVMs = 1
	cfg.Fleet.FullMatchLimit = 1
	workers := &mockWorkers{
		statusFunc: func(ip string) (domain.WorkerStatus, error) {
			return domain.WorkerStatus{ActiveMatches: 1}, nil
		},
	}
	cloud := &mockCloud{}
	c := newTestController(cfg, cloud, workers)
	seedVM(c.reg, domain.VM{InstanceID: "i-aaa", IP: "3.64.1.1", LaunchedAt: time.Now()})

	_, err := c.GetAvailableVM(context.Background())
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if cloud.runCalls != 0 {
		t.Error("pool at ceiling must not launch")
	}
}
