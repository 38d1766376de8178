package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

// newTestClient points a Client at an httptest server by splitting its
// listener address into the IP and port the client composes URLs from.
func newTestClient(t *testing.T, srv *httptest.Server, statusTimeout time.Duration) (*Client, string) {
	t.Helper()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}

	client := NewClient(config.WorkerConfig{
		Port:              port,
		StatusTimeout:     statusTimeout,
		StartMatchTimeout: 2 * time.Second,
	}, testLog())

	return client, u.Hostname()
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "Numeric", body: `{"activeMatches": 3}`, want: 3},
		{name: "NumericString", body: `{"activeMatches": "2"}`, want: 2},
		{name: "Garbage", body: `{"activeMatches": "many"}`, want: 0},
		{name: "Missing", body: `{}`, want: 0},
		{name: "Negative", body: `{"activeMatches": -4}`, want: 0},
		{name: "UnknownFields", body: `{"activeMatches": 1, "uptime": 99}`, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/status" {
					t.Errorf("path = %s, want /status", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, ip := newTestClient(t, srv, 2*time.Second)
			status, err := client.Status(context.Background(), ip)
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if status.ActiveMatches != tt.want {
				t.Errorf("ActiveMatches = %d, want %d", status.ActiveMatches, tt.want)
			}
		})
	}
}

func TestStatus_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"activeMatches": 0}`))
	}))
	defer srv.Close()

	client, ip := newTestClient(t, srv, 50*time.Millisecond)
	_, err := client.Status(context.Background(), ip)

	var workerErr *domain.WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("Status error = %v, want WorkerError", err)
	}
	if workerErr.Kind != domain.WorkerTimeout {
		t.Errorf("Kind = %v, want WorkerTimeout", workerErr.Kind)
	}
}

func TestStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, ip := newTestClient(t, srv, 2*time.Second)
	_, err := client.Status(context.Background(), ip)

	var workerErr *domain.WorkerError
	if !errors.As(err, &workerErr) || workerErr.Kind != domain.WorkerHTTPError {
		t.Errorf("Status error = %v, want WorkerHTTPError", err)
	}
}

func TestStatus_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, ip := newTestClient(t, srv, 2*time.Second)
	srv.Close() // nothing listening anymore

	_, err := client.Status(context.Background(), ip)

	var workerErr *domain.WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("Status error = %v, want WorkerError", err)
	}
	if workerErr.Kind != domain.WorkerUnreachable {
		t.Errorf("Kind = %v, want WorkerUnreachable", workerErr.Kind)
	}
}

func TestStartMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start-match" {
			t.Errorf("path = %s, want /start-match", r.URL.Path)
		}

		var req domain.StartMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.MatchID != "m1" || req.GameMode != "VersusMen_Online" {
			t.Errorf("request = %+v", req)
		}
		if req.PlayfabSecretKey != "secret" {
			t.Errorf("PlayfabSecretKey = %q, want secret", req.PlayfabSecretKey)
		}

		json.NewEncoder(w).Encode(domain.StartMatchResult{
			Success:     true,
			ServerPort:  30001,
			ContainerID: "c-123",
		})
	}))
	defer srv.Close()

	client, ip := newTestClient(t, srv, 2*time.Second)
	result, err := client.StartMatch(context.Background(), ip, domain.StartMatchRequest{
		MatchID:          "m1",
		GameMode:         "VersusMen_Online",
		MatchPrivacy:     domain.PrivacyPublic,
		TickRate:         30,
		MatchType:        domain.MatchTypeQuickPlay,
		PlayfabSecretKey: "secret",
	})
	if err != nil {
		t.Fatalf("StartMatch failed: %v", err)
	}
	if result.ServerPort != 30001 || result.ContainerID != "c-123" {
		t.Errorf("result = %+v", result)
	}
}

func TestStartMatch_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.StartMatchResult{
			Success: false,
			Message: "out of container slots",
		})
	}))
	defer srv.Close()

	client, ip := newTestClient(t, srv, 2*time.Second)
	_, err := client.StartMatch(context.Background(), ip, domain.StartMatchRequest{MatchID: "m1"})

	var workerErr *domain.WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("StartMatch error = %v, want WorkerError", err)
	}
	if workerErr.Kind != domain.WorkerRejected {
		t.Errorf("Kind = %v, want WorkerRejected", workerErr.Kind)
	}
	if !strings.Contains(workerErr.Error(), "out of container slots") {
		t.Errorf("error should carry the worker message, got %v", workerErr)
	}
}

func TestStartMatch_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	client, ip := newTestClient(t, srv, 2*time.Second)
	_, err := client.StartMatch(context.Background(), ip, domain.StartMatchRequest{MatchID: "m1"})

	var workerErr *domain.WorkerError
	if !errors.As(err, &workerErr) || workerErr.Kind != domain.WorkerBadResponse {
		t.Errorf("StartMatch error = %v, want WorkerBadResponse", err)
	}
}
