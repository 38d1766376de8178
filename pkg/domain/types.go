// Package domain defines the core domain model for the match fleet
// controller: the tracked worker VMs, the matches pinned to them, and the
// interfaces to the cloud provider and the per-VM worker agent.
package domain

import (
	"context"
	"time"
)

// =============================================================================
// Core Domain Entities
// =============================================================================

// VM is one tracked worker virtual machine. The registry holds one record per
// cloud instance that is RUNNING and has a public IP.
type VM struct {
	// InstanceID is the opaque cloud-assigned identifier. Primary key.
	InstanceID string `json:"instanceId"`

	// IP is the current public IPv4 address of the worker agent.
	// Records without an IP are never inserted.
	IP string `json:"ip"`

	// MatchCount is the number of active matches last reported by the
	// worker, or an optimistic increment after a successful allocation.
	MatchCount int `json:"matchCount"`

	// UnreachableCount is the number of consecutive failed status probes.
	// Resets to zero on any success.
	UnreachableCount int `json:"unreachableCount"`

	// LaunchedAt is when this VM was first tracked (launch completion or
	// discovery during cloud sync).
	LaunchedAt time.Time `json:"launchedAt"`

	// LastSeen is the time of the most recent successful status probe.
	// Equals LaunchedAt if the VM was never probed successfully.
	LastSeen time.Time `json:"lastSeen"`
}

// Age returns how long the VM has been tracked.
func (v VM) Age(now time.Time) time.Duration {
	return now.Sub(v.LaunchedAt)
}

// FreeSlots returns the advisory free match capacity, floored at zero.
func (v VM) FreeSlots(limit int) int {
	if free := limit - v.MatchCount; free > 0 {
		return free
	}
	return 0
}

// Match is an active game-server session pinned to a VM. Records are
// immutable once created.
type Match struct {
	MatchID      string    `json:"matchId"`
	GameMode     string    `json:"gameMode"`
	MatchPrivacy string    `json:"matchPrivacy"`
	TickRate     int       `json:"tickRate"`
	MatchType    string    `json:"matchType"`
	ServerIP     string    `json:"serverIP"`
	ServerPort   int       `json:"serverPort"`
	ContainerID  string    `json:"containerId"`
	VMInstanceID string    `json:"vmInstanceId"`
	StartedAt    time.Time `json:"startedAt"`
}

// Match privacy is fixed by the API endpoint that accepted the request.
const (
	PrivacyPublic  = "Public"
	PrivacyPrivate = "Private"
)

// Default match types derived from privacy when the request omits one.
const (
	MatchTypeQuickPlay     = "QuickPlay"
	MatchTypeCustomPrivate = "CustomPrivate"
)

// =============================================================================
// Cloud Provider
// =============================================================================

// InstanceStateRunning is the normalized RUNNING state reported by the cloud
// adapter. Any other state means the instance is not usable.
const InstanceStateRunning = "running"

// Instance is a normalized cloud instance record. The adapter translates
// provider payloads into this shape; nothing outside pkg/cloud sees the
// provider types.
type Instance struct {
	InstanceID string
	State      string
	PublicIPs  []string
}

// Running reports whether the instance is RUNNING with at least one public IP.
func (i Instance) Running() bool {
	return i.State == InstanceStateRunning && len(i.PublicIPs) > 0
}

// CloudProvider is the fleet controller's view of the compute provider.
type CloudProvider interface {
	// DescribeAll returns every instance the provider ascribes to this
	// fleet, in any state.
	DescribeAll(ctx context.Context) ([]Instance, error)

	// Describe returns the listed instances. Missing IDs are simply absent
	// from the result.
	Describe(ctx context.Context, instanceIDs []string) ([]Instance, error)

	// RunOne submits a single spot-priced launch with the fixed VM template
	// and returns the assigned instance ID before the instance is RUNNING.
	RunOne(ctx context.Context) (string, error)

	// Terminate requests termination of the given instances. Best-effort.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// =============================================================================
// Worker Agent
// =============================================================================

// WorkerStatus is the worker agent's status report.
type WorkerStatus struct {
	// ActiveMatches is coerced to a non-negative integer; non-numeric
	// responses normalize to zero.
	ActiveMatches int
}

// StartMatchRequest is the payload for the worker's start-match operation.
type StartMatchRequest struct {
	MatchID  string `json:"matchId"`
	GameMode string `json:"gameMode"`

	// SceneName is the engine scene resolved from GameMode via SceneFor.
	SceneName        string `json:"sceneName"`
	MatchPrivacy     string `json:"matchPrivacy"`
	TickRate         int    `json:"tickRate"`
	MatchType        string `json:"matchType"`
	PlayfabSecretKey string `json:"playfabSecretKey"`
}

// StartMatchResult is what the worker returns for a successful start-match.
type StartMatchResult struct {
	Success     bool   `json:"success"`
	ServerPort  int    `json:"serverPort"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message,omitempty"`
}

// WorkerClient talks to the worker agent on a single VM.
type WorkerClient interface {
	// Status probes the worker's status endpoint with a bounded timeout.
	Status(ctx context.Context, ip string) (WorkerStatus, error)

	// StartMatch asks the worker to launch a game-server container.
	// A success=false response or a transport failure yields a WorkerError.
	StartMatch(ctx context.Context, ip string, req StartMatchRequest) (*StartMatchResult, error)
}
