// Package worker provides the HTTP client for the per-VM worker agent.
//
// Every worker VM runs an agent exposing GET /status and POST /start-match.
// The client bounds each call with its own timeout and reports failures as
// typed domain.WorkerError values so callers can tell timeouts from refused
// connections from malformed responses.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
)

// Client implements domain.WorkerClient over plain HTTP.
type Client struct {
	httpClient *http.Client

	port              int
	statusTimeout     time.Duration
	startMatchTimeout time.Duration

	log *logrus.Entry
}

// NewClient creates a worker agent client.
func NewClient(cfg config.WorkerConfig, log *logrus.Entry) *Client {
	return &Client{
		// Per-call deadlines come from the request context; the shared
		// client carries no timeout of its own.
		httpClient:        &http.Client{},
		port:              cfg.Port,
		statusTimeout:     cfg.StatusTimeout,
		startMatchTimeout: cfg.StartMatchTimeout,
		log:               log.WithField("component", "worker-client"),
	}
}

// statusResponse tolerates unknown fields and a loosely typed activeMatches:
// workers have been seen reporting it as a number, a numeric string, or
// garbage. Anything non-numeric normalizes to zero.
type statusResponse struct {
	ActiveMatches any `json:"activeMatches"`
}

// Status probes the worker's status endpoint.
func (c *Client) Status(ctx context.Context, ip string) (domain.WorkerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/status", ip, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.WorkerStatus{}, c.transportError("status", ip, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WorkerStatus{}, c.transportError("status", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.WorkerStatus{}, &domain.WorkerError{
			Kind: domain.WorkerHTTPError,
			Op:   "status",
			IP:   ip,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.WorkerStatus{}, &domain.WorkerError{
			Kind: domain.WorkerBadResponse,
			Op:   "status",
			IP:   ip,
			Err:  err,
		}
	}

	return domain.WorkerStatus{ActiveMatches: coerceCount(body.ActiveMatches)}, nil
}

// StartMatch asks the worker to launch a game-server container for the match.
func (c *Client) StartMatch(ctx context.Context, ip string, startReq domain.StartMatchRequest) (*domain.StartMatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startMatchTimeout)
	defer cancel()

	payload, err := json.Marshal(startReq)
	if err != nil {
		return nil, &domain.WorkerError{Kind: domain.WorkerBadResponse, Op: "start-match", IP: ip, Err: err}
	}

	url := fmt.Sprintf("http://%s:%d/start-match", ip, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, c.transportError("start-match", ip, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError("start-match", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.WorkerError{
			Kind: domain.WorkerHTTPError,
			Op:   "start-match",
			IP:   ip,
			Err:  fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body),
		}
	}

	var result domain.StartMatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &domain.WorkerError{
			Kind: domain.WorkerBadResponse,
			Op:   "start-match",
			IP:   ip,
			Err:  err,
		}
	}

	if !result.Success {
		return nil, &domain.WorkerError{
			Kind: domain.WorkerRejected,
			Op:   "start-match",
			IP:   ip,
			Err:  fmt.Errorf("worker rejected match: %s", result.Message),
		}
	}

	c.log.WithFields(logrus.Fields{
		"ip":           ip,
		"match_id":     startReq.MatchID,
		"server_port":  result.ServerPort,
		"container_id": result.ContainerID,
	}).Info("Match started on worker")

	return &result, nil
}

func (c *Client) transportError(op, ip string, err error) *domain.WorkerError {
	kind := domain.WorkerUnreachable

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.WorkerTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.WorkerTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = domain.WorkerUnreachable
	}

	return &domain.WorkerError{Kind: kind, Op: op, IP: ip, Err: err}
}

// coerceCount normalizes the worker's activeMatches field to a non-negative
// integer.
func coerceCount(v any) int {
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case string:
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	return n
}
