// Package server exposes the fleet state over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"fleetmon/internal/events"
	"fleetmon/internal/logging"
	"fleetmon/internal/metrics"
	"fleetmon/internal/models"
	"fleetmon/internal/monitor"
	"fleetmon/internal/pushstore"
	"fleetmon/internal/remediation"
)

const (
	maxReportBytes = 1 << 20
	historyLimit   = 200
)

// Snapshots produces fleet snapshots.
type Snapshots interface {
	RunOnce(ctx context.Context) (models.FleetSnapshot, error)
	TargetStatus(ctx context.Context, id string) (models.TargetResult, error)
	ProbeOnce(ctx context.Context) []monitor.ProbeOutcome
}

// Restarter performs manual restarts and exposes restart history.
type Restarter interface {
	RestartNow(ctx context.Context, targetID, itemName string) (models.RestartRecord, error)
	Records() []models.RestartRecord
}

// EventHistory reads the event journal.
type EventHistory interface {
	Recent(limit int, targetID string) []events.Event
	History() []events.Event
}

// Deps are the collaborators the HTTP surface reads from.
type Deps struct {
	Snapshots Snapshots
	Targets   monitor.TargetSource
	Store     *pushstore.Store
	Restarter Restarter
	Events    EventHistory
	Hub       *Hub
	Logger    *zap.Logger
}

// Server wraps HTTP serving of the API.
type Server struct {
	httpServer *http.Server
	deps       Deps
	validate   *validator.Validate
	logger     *zap.Logger
}

// New creates a configured HTTP server for the monitor.
func New(addr string, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		deps:       deps,
		validate:   validator.New(),
		logger:     logging.OrNop(deps.Logger).Named("http"),
	}
	s.registerRoutes(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/targets", s.handleTargets)
	mux.HandleFunc("GET /api/targets/{id}/status", s.handleTargetStatus)
	mux.HandleFunc("GET /api/targets/{id}/connection", s.handleConnection)
	mux.HandleFunc("POST /api/targets/{id}/items/{item}/restart", s.handleRestart)
	mux.HandleFunc("POST /api/agent/report", s.handleAgentReport)
	mux.HandleFunc("GET /api/agent/status", s.handleAgentStatus)
	mux.HandleFunc("POST /api/probe", s.handleProbe)
	mux.HandleFunc("GET /api/restarts", s.handleRestarts)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/outages", s.handleOutages)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /ws", s.deps.Hub)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// handleStatus aggregates the fleet for every request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Snapshots.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTargetStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Snapshots.TargetStatus(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, monitor.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, "unknown target")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Targets.Targets())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Targets.Target(id); !ok {
		writeError(w, http.StatusNotFound, "unknown target")
		return
	}
	state, ok := s.deps.Store.ConnectionState(id)
	if !ok {
		state = models.ConnectionState{TargetID: id}
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, item := r.PathValue("id"), r.PathValue("item")
	rec, err := s.deps.Restarter.RestartNow(r.Context(), id, item)
	switch {
	case err == nil:
		status := http.StatusOK
		if !rec.Success {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, rec)
	case errors.Is(err, remediation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, rec)
	case errors.Is(err, remediation.ErrCooldownActive), errors.Is(err, remediation.ErrBusy):
		writeJSON(w, http.StatusTooManyRequests, rec)
	default:
		writeJSON(w, http.StatusConflict, rec)
	}
}

func (s *Server) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	var report models.PushReport
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err := dec.Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report: "+err.Error())
		return
	}
	if err := s.validate.Struct(report); err != nil {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}

	stored, err := s.deps.Store.Update(report.TargetID, report)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.RecordPush(report.TargetID)
	if _, known := s.deps.Targets.Target(report.TargetID); !known {
		s.logger.Warn("Report from unregistered target", zap.String("target", report.TargetID))
	}
	s.logger.Debug("Push received",
		zap.String("target", report.TargetID),
		zap.Int("items", len(report.Items)))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "accepted",
		"target_id":   stored.TargetID,
		"received_at": stored.ReceivedAt,
	})
}

type agentStatus struct {
	TargetID   string    `json:"target_id"`
	Hostname   string    `json:"hostname,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	AgeSeconds float64   `json:"age_seconds"`
	IsFresh    bool      `json:"is_fresh"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, _ *http.Request) {
	readings := s.deps.Store.Readings()
	out := make([]agentStatus, 0, len(readings))
	for _, rd := range readings {
		out = append(out, agentStatus{
			TargetID:   rd.Report.TargetID,
			Hostname:   rd.Report.Hostname,
			ReceivedAt: rd.Report.ReceivedAt,
			AgeSeconds: rd.Age.Seconds(),
			IsFresh:    rd.IsFresh,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"freshness_window_seconds": s.deps.Store.Window().Seconds(),
		"agents":                   out,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	outcomes := s.deps.Snapshots.ProbeOnce(r.Context())
	if outcomes == nil {
		outcomes = []monitor.ProbeOutcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleRestarts(w http.ResponseWriter, _ *http.Request) {
	records := s.deps.Restarter.Records()
	if records == nil {
		records = []models.RestartRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, historyLimit)
	list := s.deps.Events.Recent(limit, r.URL.Query().Get("target"))
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOutages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metrics.ComputeOutages(s.deps.Events.History()))
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
