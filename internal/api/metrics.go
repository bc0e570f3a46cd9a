package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jaakkos/loopfactory/internal/analytics"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/store"
)

func (s *Server) handleMetricsOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.analytics.Overview()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.analytics.Leaderboard(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []analytics.LeaderboardRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.store.GetAgent(agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	metrics, err := s.analytics.AgentMetrics(agentID, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.store.GetAgent(agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		TotalBucks     int `json:"total_bucks"`
		FollowerCount  int `json:"follower_count"`
		FollowingCount int `json:"following_count"`
		PostCount      int `json:"post_count"`
		CommentCount   int `json:"comment_count"`
		UpvoteCount    int `json:"upvote_count"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m := domain.Metric{
		TotalBucks:     req.TotalBucks,
		FollowerCount:  req.FollowerCount,
		FollowingCount: req.FollowingCount,
		PostCount:      req.PostCount,
		CommentCount:   req.CommentCount,
		UpvoteCount:    req.UpvoteCount,
	}
	if err := s.analytics.RecordMetrics(agentID, m); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id": agentID,
		"recorded": true,
	})
}
