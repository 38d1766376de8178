package domain

import (
	"errors"
	"fmt"
)

// ErrNoCapacity is returned by the allocator when every VM is full, the pool
// is at its ceiling, and no launch could produce a fresh VM.
var ErrNoCapacity = errors.New("no worker VM available")

// CloudErrorKind classifies cloud provider failures.
type CloudErrorKind int

const (
	// CloudTransient covers network failures, throttling and provider 5xx.
	// The next reconcile tick retries implicitly.
	CloudTransient CloudErrorKind = iota

	// CloudPermanent covers auth failures and invalid parameters. The
	// controller keeps running but cannot recover without operator action.
	CloudPermanent
)

func (k CloudErrorKind) String() string {
	if k == CloudPermanent {
		return "permanent"
	}
	return "transient"
}

// CloudError wraps a failed cloud operation with its classification.
type CloudError struct {
	Kind CloudErrorKind
	Op   string
	Err  error
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("cloud %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }

// IsCloudTransient reports whether err is a transient cloud failure.
func IsCloudTransient(err error) bool {
	var ce *CloudError
	return errors.As(err, &ce) && ce.Kind == CloudTransient
}

// WorkerErrorKind classifies worker agent failures.
type WorkerErrorKind int

const (
	// WorkerTimeout means the probe or start call exceeded its deadline.
	WorkerTimeout WorkerErrorKind = iota

	// WorkerUnreachable means the connection was refused or never
	// established.
	WorkerUnreachable

	// WorkerHTTPError means the agent answered with a non-2xx status.
	WorkerHTTPError

	// WorkerBadResponse means the agent's response body could not be
	// decoded.
	WorkerBadResponse

	// WorkerRejected means start-match answered success=false.
	WorkerRejected
)

func (k WorkerErrorKind) String() string {
	switch k {
	case WorkerTimeout:
		return "timeout"
	case WorkerUnreachable:
		return "unreachable"
	case WorkerHTTPError:
		return "http-error"
	case WorkerBadResponse:
		return "bad-response"
	case WorkerRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WorkerError wraps a failed worker agent call.
type WorkerError struct {
	Kind WorkerErrorKind
	Op   string
	IP   string
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s %s: %s: %v", e.Op, e.IP, e.Kind, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
