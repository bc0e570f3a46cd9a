package api

import (
	"net/http"

	"github.com/jaakkos/loopfactory/internal/domain"
)

// SystemStatusView aggregates host resource usage with fleet counts and
// scheduler load.
type SystemStatusView struct {
	CPUPercent          float64 `json:"cpu_percent"`
	MemoryMB            float64 `json:"memory_mb"`
	MemoryPercent       float64 `json:"memory_percent"`
	ActiveAgents        int     `json:"active_agents"`
	PendingAgents       int     `json:"pending_agents"`
	RunningProcesses    int     `json:"running_processes"`
	MaxConcurrentAgents int     `json:"max_concurrent_agents"`
	InflightHeartbeats  int     `json:"inflight_heartbeats"`
	ScheduledJobs       int     `json:"scheduled_jobs"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	usage, err := s.usage.CurrentUsage()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := s.store.CountAgentsByStatus(domain.StatusActive)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	waiting, err := s.store.CountAgentsByStatus(domain.StatusWaiting)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.store.CountAgentsByStatus(domain.StatusPending)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runtime := s.runtime.Status()
	s.writeJSON(w, http.StatusOK, SystemStatusView{
		CPUPercent:          usage.CPUPercent,
		MemoryMB:            usage.MemoryUsedMB,
		MemoryPercent:       usage.MemoryPercent,
		ActiveAgents:        active,
		PendingAgents:       waiting + pending,
		RunningProcesses:    usage.RunningProcesses,
		MaxConcurrentAgents: s.concurrency.MaxConcurrent(false),
		InflightHeartbeats:  runtime.InflightHeartbeats,
		ScheduledJobs:       runtime.ScheduledJobs,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configAsMap()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := decodeBody(r, &updates); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(updates) == 0 {
		s.writeError(w, http.StatusBadRequest, "no updates provided")
		return
	}
	if err := s.cfg.Update(updates); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Printf("API: configuration updated")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "configuration updated",
	})
}
