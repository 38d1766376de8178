// Package api exposes the allocator's HTTP surface: the two match request
// endpoints, the match-details lookup, the debug view of the VM pool, and
// the health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
	"github.com/matchserve/fleetd/pkg/fleet"
)

// Handler serves the allocator API.
type Handler struct {
	ctrl *fleet.Controller
	cfg  *config.Config
	log  *logrus.Entry
}

// NewHandler creates the API handler.
func NewHandler(ctrl *fleet.Controller, cfg *config.Config, log *logrus.Entry) *Handler {
	return &Handler{
		ctrl: ctrl,
		cfg:  cfg,
		log:  log.WithField("component", "api"),
	}
}

// RegisterRoutes attaches the API routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/request-public-match", h.requestMatch(domain.PrivacyPublic))
	mux.HandleFunc("POST /api/request-private-match", h.requestMatch(domain.PrivacyPrivate))
	mux.HandleFunc("GET /api/match-details/{matchId}", h.matchDetails)
	mux.HandleFunc("GET /api/debug/vms", h.debugVMs)
	mux.HandleFunc("GET /healthz", h.healthz)
}

// matchRequest is the client's match request body. Unknown fields are
// tolerated; tickRate and matchType are optional.
type matchRequest struct {
	MatchID   string `json:"matchId"`
	GameMode  string `json:"gameMode"`
	TickRate  int    `json:"tickRate"`
	MatchType string `json:"matchType"`
}

// matchResponse is the match descriptor returned on allocation and lookup.
type matchResponse struct {
	ServerIP     string `json:"serverIP"`
	ServerPort   int    `json:"serverPort"`
	MatchID      string `json:"matchId"`
	GameMode     string `json:"gameMode"`
	TickRate     int    `json:"tickRate"`
	ContainerID  string `json:"containerId"`
	MatchType    string `json:"matchType"`
	MatchPrivacy string `json:"matchPrivacy"`
}

func descriptorFor(m domain.Match) matchResponse {
	return matchResponse{
		ServerIP:     m.ServerIP,
		ServerPort:   m.ServerPort,
		MatchID:      m.MatchID,
		GameMode:     m.GameMode,
		TickRate:     m.TickRate,
		ContainerID:  m.ContainerID,
		MatchType:    m.MatchType,
		MatchPrivacy: m.MatchPrivacy,
	}
}

// requestMatch handles both request endpoints; privacy is fixed by which
// endpoint the client hit, never taken from the body.
func (h *Handler) requestMatch(privacy string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req matchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "InvalidRequest", "request body is not valid JSON")
			return
		}

		if req.MatchID == "" || req.GameMode == "" {
			h.writeError(w, http.StatusBadRequest, "InvalidRequest", "matchId and gameMode are required")
			return
		}
		if !domain.KnownGameMode(req.GameMode) {
			h.writeError(w, http.StatusBadRequest, "InvalidRequest",
				fmt.Sprintf("unknown gameMode %q", req.GameMode))
			return
		}

		matchType := req.MatchType
		if matchType == "" {
			if privacy == domain.PrivacyPrivate {
				matchType = domain.MatchTypeCustomPrivate
			} else {
				matchType = domain.MatchTypeQuickPlay
			}
		}

		match, err := h.ctrl.AllocateMatch(r.Context(), fleet.AllocationRequest{
			MatchID:      req.MatchID,
			GameMode:     req.GameMode,
			MatchPrivacy: privacy,
			TickRate:     req.TickRate,
			MatchType:    matchType,
		})
		if err != nil {
			if errors.Is(err, domain.ErrNoCapacity) {
				h.writeError(w, http.StatusServiceUnavailable, "NoVmAvailable", "no worker VM available")
				return
			}
			h.log.WithError(err).WithField("match_id", req.MatchID).Error("Match allocation failed")
			h.writeError(w, http.StatusInternalServerError, "Internal", "failed to start match")
			return
		}

		h.writeJSON(w, http.StatusOK, descriptorFor(*match))
	}
}

func (h *Handler) matchDetails(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("matchId")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", "matchId is required")
		return
	}

	match, ok := h.ctrl.Matches().Get(matchID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "NotFound",
			fmt.Sprintf("no match with id %q", matchID))
		return
	}

	h.writeJSON(w, http.StatusOK, descriptorFor(match))
}

// debugVMs exposes the raw pool state for operators.
func (h *Handler) debugVMs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"protectedVM": h.ctrl.Registry().Protected(),
		"vmPool":      h.ctrl.Registry().Snapshot(),
		"matches":     h.ctrl.Matches().All(),
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Warn("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: message})
}
