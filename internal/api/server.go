// Package api exposes the supervisor over HTTP: agent lifecycle, pending
// activations, activity monitoring, metrics, and system status/config.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/loopfactory/internal/analytics"
	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/monitor"
	"github.com/jaakkos/loopfactory/internal/resource"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/scheduler"
	"github.com/jaakkos/loopfactory/internal/store"
)

// Registrar runs the registration prompt for an agent.
type Registrar interface {
	RunRegistration(ctx context.Context, agent *domain.Agent) *runner.Result
}

// PendingChecker probes one pending activation on demand.
type PendingChecker interface {
	CheckAgent(ctx context.Context, agentID string) (bool, error)
}

// ActivityReporter exposes activity classification and manual prompts.
type ActivityReporter interface {
	Classify(agent *domain.Agent) string
	Summary() (*monitor.ActivitySummary, error)
	Alerts() ([]monitor.Alert, error)
	RetirementCandidates() ([]monitor.RetirementCandidate, error)
	SendPrompt(ctx context.Context, agent *domain.Agent, promptType string) (bool, error)
}

// RuntimeReporter exposes scheduler load and membership.
type RuntimeReporter interface {
	Status() scheduler.RuntimeStatus
	AddAgent(agentID string, runImmediately bool) error
	RemoveAgent(agentID string) error
}

// UsageReporter samples host resource usage.
type UsageReporter interface {
	CurrentUsage() (resource.Usage, error)
}

// ConcurrencyReporter exposes the heartbeat admission ceiling.
type ConcurrencyReporter interface {
	MaxConcurrent(forceRecalc bool) int
}

// Deps collects everything the HTTP handlers need.
type Deps struct {
	Store       *store.Store
	Config      *config.Manager
	Usage       UsageReporter
	Concurrency ConcurrencyReporter
	Runtime     RuntimeReporter
	Registrar   Registrar
	Pending     PendingChecker
	Activity    ActivityReporter
	Analytics   *analytics.Engine
	AgentsDir   string
	Logger      *log.Logger
}

// Server holds dependencies for the HTTP handlers.
type Server struct {
	store       *store.Store
	cfg         *config.Manager
	usage       UsageReporter
	concurrency ConcurrencyReporter
	runtime     RuntimeReporter
	registrar   Registrar
	pending     PendingChecker
	activity    ActivityReporter
	analytics   *analytics.Engine
	agentsDir   string
	logger      *log.Logger
}

// NewServer creates an API server from its dependencies.
func NewServer(d Deps) *Server {
	return &Server{
		store:       d.Store,
		cfg:         d.Config,
		usage:       d.Usage,
		concurrency: d.Concurrency,
		runtime:     d.Runtime,
		registrar:   d.Registrar,
		pending:     d.Pending,
		activity:    d.Activity,
		analytics:   d.Analytics,
		agentsDir:   d.AgentsDir,
		logger:      d.Logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes adds all API routes to the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /agents/{id}/register", s.handleRegisterAgent)

	mux.HandleFunc("GET /pending", s.handleListPending)
	mux.HandleFunc("POST /pending/{id}/check", s.handleCheckPending)
	mux.HandleFunc("DELETE /pending/{id}", s.handleCancelPending)

	mux.HandleFunc("GET /system/status", s.handleSystemStatus)
	mux.HandleFunc("GET /system/config", s.handleGetConfig)
	mux.HandleFunc("PUT /system/config", s.handleUpdateConfig)

	mux.HandleFunc("GET /activity/summary", s.handleActivitySummary)
	mux.HandleFunc("GET /activity/alerts", s.handleActivityAlerts)
	mux.HandleFunc("GET /activity/retirements", s.handleRetirements)
	mux.HandleFunc("GET /activity/agents/{id}", s.handleAgentActivity)
	mux.HandleFunc("POST /activity/agents/{id}/prompt", s.handleSendPrompt)
	mux.HandleFunc("POST /activity/agents/{id}/protect", s.handleToggleProtection)

	mux.HandleFunc("GET /metrics/overview", s.handleMetricsOverview)
	mux.HandleFunc("GET /metrics/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /metrics/agents/{id}", s.handleAgentMetrics)
	mux.HandleFunc("POST /metrics/agents/{id}", s.handleRecordMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Printf("API: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// configAsMap round-trips the live config through YAML so the JSON dump uses
// the on-disk key names.
func (s *Server) configAsMap() (map[string]any, error) {
	raw, err := yaml.Marshal(s.cfg.Current())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
