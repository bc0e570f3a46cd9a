package api

import (
	"errors"
	"net/http"

	"github.com/jaakkos/loopfactory/internal/monitor"
	"github.com/jaakkos/loopfactory/internal/store"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// ActivityLogView is one activity_log entry in API responses.
type ActivityLogView struct {
	ActivityType string `json:"activity_type"`
	Details      string `json:"details"`
	Success      bool   `json:"success"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func (s *Server) handleActivitySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.activity.Summary()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleActivityAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.activity.Alerts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleRetirements(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.activity.RetirementCandidates()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if candidates == nil {
		candidates = []monitor.RetirementCandidate{}
	}
	s.writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.store.RecentActivity(agent.ID, 20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logs := make([]ActivityLogView, 0, len(entries))
	for _, e := range entries {
		logs = append(logs, ActivityLogView{
			ActivityType: e.ActivityType,
			Details:      e.Details,
			Success:      e.Success,
			CreatedAt:    timeutil.Format(e.CreatedAt),
		})
	}

	displayName := agent.DisplayName
	if displayName == "" {
		displayName = agent.Name
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":        agent.ID,
		"display_name":    displayName,
		"status":          agent.Status,
		"activity_status": s.activity.Classify(agent),
		"last_heartbeat":  timeutil.Format(agent.LastHeartbeat),
		"is_protected":    agent.IsProtected,
		"recent_logs":     logs,
	})
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	promptType := r.URL.Query().Get("prompt_type")
	if promptType == "" {
		promptType = "idle"
	}
	success, err := s.activity.SendPrompt(r.Context(), agent, promptType)
	if errors.Is(err, monitor.ErrUnknownPrompt) {
		s.writeError(w, http.StatusBadRequest, "invalid prompt type")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	message := "failed to send prompt"
	if success {
		message = "reactivation prompt sent"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    agent.ID,
		"prompt_type": promptType,
		"success":     success,
		"message":     message,
	})
}

func (s *Server) handleToggleProtection(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	protected := !agent.IsProtected
	if err := s.store.UpdateAgent(agent.ID, store.AgentUpdate{IsProtected: &protected}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	message := "protection disabled"
	if protected {
		message = "protection enabled"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     agent.ID,
		"is_protected": protected,
		"message":      message,
	})
}
