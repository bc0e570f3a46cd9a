package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/store"
	"github.com/jaakkos/loopfactory/internal/timeutil"
	"github.com/jaakkos/loopfactory/internal/workspace"
)

// activationURLPattern pulls an activation link out of CLI output.
var activationURLPattern = regexp.MustCompile(`https?://[^\s"']*activate[^\s"']*`)

// AgentView is the JSON shape for one agent. Timestamps use the store's
// naive wall-clock format; unset ones are omitted.
type AgentView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Bio            string `json:"bio"`
	Status         string `json:"status"`
	ActivityStatus string `json:"activity_status,omitempty"`
	ActivationURL  string `json:"activation_url,omitempty"`
	ProfileName    string `json:"profile_name,omitempty"`
	UseMCP         bool   `json:"use_mcp"`
	Model          string `json:"model,omitempty"`
	SiteID         string `json:"site_id"`
	NodeID         string `json:"node_id"`
	IsProtected    bool   `json:"is_protected"`
	TotalBucks     int    `json:"total_bucks"`
	CreatedAt      string `json:"created_at,omitempty"`
	RegisteredAt   string `json:"registered_at,omitempty"`
	ActivatedAt    string `json:"activated_at,omitempty"`
	RetiredAt      string `json:"retired_at,omitempty"`
	LastHeartbeat  string `json:"last_heartbeat,omitempty"`
}

func (s *Server) agentView(a *domain.Agent) AgentView {
	bucks := 0
	if latest, err := s.store.LatestMetric(a.ID); err == nil {
		bucks = latest.TotalBucks
	}
	displayName := a.DisplayName
	if displayName == "" {
		displayName = a.Name
	}
	return AgentView{
		ID:             a.ID,
		Name:           a.Name,
		DisplayName:    displayName,
		Bio:            a.Bio,
		Status:         a.Status,
		ActivityStatus: a.ActivityStatus,
		ActivationURL:  a.ActivationURL,
		ProfileName:    a.ProfileName,
		UseMCP:         a.UseMCP,
		Model:          a.Model,
		SiteID:         a.SiteID,
		NodeID:         a.NodeID,
		IsProtected:    a.IsProtected,
		TotalBucks:     bucks,
		CreatedAt:      timeutil.Format(a.CreatedAt),
		RegisteredAt:   timeutil.Format(a.RegisteredAt),
		ActivatedAt:    timeutil.Format(a.ActivatedAt),
		RetiredAt:      timeutil.Format(a.RetiredAt),
		LastHeartbeat:  timeutil.Format(a.LastHeartbeat),
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = append(statuses, st)
	}
	agents, err := s.store.ListAgents(statuses...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]AgentView, 0, len(agents))
	for i := range agents {
		views = append(views, s.agentView(&agents[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.agentView(agent))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Bio         string `json:"bio"`
		GhostMD     string `json:"ghost_md"`
		ShellMD     string `json:"shell_md"`
		ProfileName string `json:"profile_name"`
		UseMCP      bool   `json:"use_mcp"`
		Model       string `json:"model"`
		SiteID      string `json:"site_id"`
		NodeID      string `json:"node_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.SiteID == "" {
		req.SiteID = "site_default"
	}
	if req.NodeID == "" {
		req.NodeID = "node_default"
	}
	if err := s.store.ValidatePlacement(req.SiteID, req.NodeID); err != nil {
		if errors.Is(err, store.ErrBadPlacement) || errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "invalid site/node placement")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := uuid.NewString()[:8]
	ghost := req.GhostMD
	if ghost == "" {
		ghost = workspace.GenerateGhostMD(req.Name, req.Bio)
	}
	shell := req.ShellMD
	if shell == "" {
		shell = workspace.GenerateShellMD(req.Name, s.cfg.Current().Loop.SkillURL)
	}
	if _, err := workspace.Create(s.agentsDir, id, ghost, shell, time.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	agent := &domain.Agent{
		ID:          id,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		GhostMD:     ghost,
		ShellMD:     shell,
		ProfileName: req.ProfileName,
		UseMCP:      req.UseMCP,
		Model:       req.Model,
		SiteID:      req.SiteID,
		NodeID:      req.NodeID,
		Status:      domain.StatusDesign,
	}
	if err := s.store.CreateAgent(agent); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			s.writeError(w, http.StatusConflict, "agent name already exists")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Printf("API: agent %s (%s) created", id, req.Name)
	s.writeJSON(w, http.StatusCreated, s.agentView(agent))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		Name        *string `json:"name"`
		DisplayName *string `json:"display_name"`
		Bio         *string `json:"bio"`
		GhostMD     *string `json:"ghost_md"`
		ShellMD     *string `json:"shell_md"`
		Status      *string `json:"status"`
		ProfileName *string `json:"profile_name"`
		UseMCP      *bool   `json:"use_mcp"`
		Model       *string `json:"model"`
		SiteID      *string `json:"site_id"`
		NodeID      *string `json:"node_id"`
		IsProtected *bool   `json:"is_protected"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Status != nil && !domain.CanTransition(agent.Status, *req.Status) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid transition %s -> %s", agent.Status, *req.Status))
		return
	}
	if req.SiteID != nil || req.NodeID != nil {
		siteID, nodeID := agent.SiteID, agent.NodeID
		if req.SiteID != nil {
			siteID = *req.SiteID
		}
		if req.NodeID != nil {
			nodeID = *req.NodeID
		}
		if err := s.store.ValidatePlacement(siteID, nodeID); err != nil {
			if errors.Is(err, store.ErrBadPlacement) || errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusBadRequest, "invalid site/node placement")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	update := store.AgentUpdate{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		GhostMD:     req.GhostMD,
		ShellMD:     req.ShellMD,
		Status:      req.Status,
		ProfileName: req.ProfileName,
		UseMCP:      req.UseMCP,
		Model:       req.Model,
		SiteID:      req.SiteID,
		NodeID:      req.NodeID,
		IsProtected: req.IsProtected,
	}
	if err := s.store.UpdateAgent(agent.ID, update); err != nil {
		if errors.Is(err, store.ErrEmptyUpdate) {
			s.writeError(w, http.StatusBadRequest, "no fields to update")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Workspace files track the DB copies.
	ws := workspace.For(s.agentsDir, agent.ID)
	if req.GhostMD != nil {
		if err := ws.WriteFile("ghost.md", *req.GhostMD); err != nil {
			s.logger.Printf("API: ghost.md for %s: %v", agent.ID, err)
		}
	}
	if req.ShellMD != nil {
		if err := ws.WriteFile("shell.md", *req.ShellMD); err != nil {
			s.logger.Printf("API: shell.md for %s: %v", agent.ID, err)
		}
	}

	if req.Status != nil && *req.Status != agent.Status {
		s.applyTransition(agent, *req.Status)
	}

	updated, err := s.store.GetAgent(agent.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.agentView(updated))
}

// applyTransition keeps schedule and pending rows consistent with a status
// change made through the API. An activation URL survives only while the
// agent is in the activation window.
func (s *Server) applyTransition(agent *domain.Agent, to string) {
	switch to {
	case domain.StatusActive:
		if err := s.store.DeletePendingByAgent(agent.ID); err != nil {
			s.logger.Printf("API: clear pending for %s: %v", agent.ID, err)
		}
		s.clearActivationURL(agent.ID)
		if err := s.runtime.AddAgent(agent.ID, false); err != nil {
			s.logger.Printf("API: schedule %s: %v", agent.ID, err)
		}
	case domain.StatusWaiting, domain.StatusPending:
		if _, err := s.store.GetPendingByAgent(agent.ID); errors.Is(err, store.ErrNotFound) {
			if err := s.store.InsertPending(agent.ID, agent.ActivationURL); err != nil {
				s.logger.Printf("API: pending row for %s: %v", agent.ID, err)
			}
		}
	case domain.StatusDesign, domain.StatusRetired:
		if err := s.store.DeletePendingByAgent(agent.ID); err != nil {
			s.logger.Printf("API: clear pending for %s: %v", agent.ID, err)
		}
		s.clearActivationURL(agent.ID)
		if err := s.store.DeleteSchedule(agent.ID); err != nil {
			s.logger.Printf("API: clear schedule for %s: %v", agent.ID, err)
		}
		if err := s.runtime.RemoveAgent(agent.ID); err != nil {
			s.logger.Printf("API: unschedule %s: %v", agent.ID, err)
		}
	}
}

func (s *Server) clearActivationURL(agentID string) {
	noURL := ""
	if err := s.store.UpdateAgent(agentID, store.AgentUpdate{ActivationURL: &noURL}); err != nil {
		s.logger.Printf("API: clear activation_url for %s: %v", agentID, err)
	}
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	retired := domain.StatusRetired
	if err := s.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &retired}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.applyTransition(agent, domain.StatusRetired)
	if err := s.store.LogActivity(agent.ID, domain.ActivityTypeRetirement, "Retired via API", true); err != nil {
		s.logger.Printf("API: retirement log for %s: %v", agent.ID, err)
	}
	s.logger.Printf("API: agent %s retired", agent.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agent.ID,
		"status":   domain.StatusRetired,
		"message":  "agent retired",
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !domain.CanTransition(agent.Status, domain.StatusWaiting) {
		s.writeError(w, http.StatusConflict,
			fmt.Sprintf("agent cannot register from status %s", agent.Status))
		return
	}

	result := s.registrar.RunRegistration(r.Context(), agent)
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "registration failed"
		}
		s.writeError(w, http.StatusInternalServerError, msg)
		return
	}

	activationURL := activationURLPattern.FindString(result.Output)
	if activationURL == "" {
		activationURL = fmt.Sprintf("https://assibucks.vercel.app/activate/%s", agent.ID)
	}

	waiting := domain.StatusWaiting
	now := time.Now()
	update := store.AgentUpdate{
		Status:        &waiting,
		ActivationURL: &activationURL,
		RegisteredAt:  &now,
	}
	if err := s.store.UpdateAgent(agent.ID, update); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.InsertPending(agent.ID, activationURL); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Printf("API: agent %s registered, awaiting activation", agent.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agent_id":       agent.ID,
		"status":         domain.StatusWaiting,
		"activation_url": activationURL,
	})
}

// PendingView is the JSON shape for one pending activation.
type PendingView struct {
	AgentID       string `json:"agent_id"`
	DisplayName   string `json:"display_name"`
	Bio           string `json:"bio"`
	ActivationURL string `json:"activation_url"`
	CreatedAt     string `json:"created_at,omitempty"`
	LastChecked   string `json:"last_checked,omitempty"`
	CheckCount    int    `json:"check_count"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]PendingView, 0, len(pending))
	for _, p := range pending {
		view := PendingView{
			AgentID:       p.AgentID,
			DisplayName:   p.AgentID,
			ActivationURL: p.ActivationURL,
			CreatedAt:     timeutil.Format(p.CreatedAt),
			LastChecked:   timeutil.Format(p.LastChecked),
			CheckCount:    p.CheckCount,
		}
		if agent, err := s.store.GetAgent(p.AgentID); err == nil {
			if agent.DisplayName != "" {
				view.DisplayName = agent.DisplayName
			}
			view.Bio = agent.Bio
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCheckPending(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	activated, err := s.pending.CheckAgent(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "pending agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	message := "agent still pending activation"
	if activated {
		message = "agent activated"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"status":   agent.Status,
		"message":  message,
	})
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !agent.WaitingForActivation()) {
		s.writeError(w, http.StatusNotFound, "pending agent not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	design := domain.StatusDesign
	clearURL := ""
	if err := s.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &design, ActivationURL: &clearURL}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeletePendingByAgent(agent.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agent.ID,
		"status":   domain.StatusDesign,
		"message":  "pending activation cancelled",
	})
}
