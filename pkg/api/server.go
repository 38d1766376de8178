package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/fleet"
	"github.com/matchserve/fleetd/pkg/metrics"
)

// NewServer builds the allocator's HTTP server with the API routes, the
// metrics endpoint, and access logging attached.
func NewServer(cfg *config.Config, ctrl *fleet.Controller, met *metrics.Metrics, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()

	handler := NewHandler(ctrl, cfg, log)
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", met.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           AccessLog(log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
