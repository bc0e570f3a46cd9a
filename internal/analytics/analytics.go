// Package analytics aggregates agent metrics: fleet overview, leaderboard,
// and per-agent growth figures.
package analytics

import (
	"errors"
	"math"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/store"
)

// Overview is the fleet-wide metrics summary.
type Overview struct {
	TotalBucks    int `json:"total_bucks"`
	AgentCount    int `json:"agent_count"`
	ActiveAgents  int `json:"active_agents"`
	PendingAgents int `json:"pending_agents"`
}

// LeaderboardRow is one ranked agent with its recent growth.
type LeaderboardRow struct {
	Rank          int     `json:"rank"`
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DisplayName   string  `json:"display_name"`
	Status        string  `json:"status"`
	TotalBucks    int     `json:"total_bucks"`
	FollowerCount int     `json:"follower_count"`
	PostCount     int     `json:"post_count"`
	GrowthPercent float64 `json:"growth_percent"`
}

// AgentMetrics is one agent's detailed metrics view.
type AgentMetrics struct {
	AgentID  string          `json:"agent_id"`
	Latest   *domain.Metric  `json:"latest"`
	History  []domain.Metric `json:"history"`
	Growth2d float64         `json:"growth_2d"`
	Growth4d float64         `json:"growth_4d"`
}

// Engine computes analytics from the store.
type Engine struct {
	store *store.Store
	now   func() time.Time
}

// NewEngine returns an analytics engine.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// RecordMetrics appends one metric sample for an agent.
func (e *Engine) RecordMetrics(agentID string, m domain.Metric) error {
	m.AgentID = agentID
	return e.store.InsertMetric(&m)
}

// Overview sums each agent's latest sample and counts agents by status.
func (e *Engine) Overview() (*Overview, error) {
	totals, err := e.store.LatestTotals()
	if err != nil {
		return nil, err
	}
	active, err := e.store.CountAgentsByStatus(domain.StatusActive)
	if err != nil {
		return nil, err
	}
	waiting, err := e.store.CountAgentsByStatus(domain.StatusWaiting)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.CountAgentsByStatus(domain.StatusPending)
	if err != nil {
		return nil, err
	}
	return &Overview{
		TotalBucks:    totals.TotalBucks,
		AgentCount:    totals.AgentsReported,
		ActiveAgents:  active,
		PendingAgents: waiting + pending,
	}, nil
}

// Leaderboard ranks ACTIVE, WAITING, PENDING, and PROBATION agents by latest
// bucks, with two-day growth per row.
func (e *Engine) Leaderboard(limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := e.store.Leaderboard(limit, domain.StatusActive, domain.StatusWaiting,
		domain.StatusPending, domain.StatusProbation)
	if err != nil {
		return nil, err
	}
	rows := make([]LeaderboardRow, 0, len(entries))
	for _, entry := range entries {
		growth, err := e.Growth(entry.AgentID, 2)
		if err != nil {
			return nil, err
		}
		displayName := entry.DisplayName
		if displayName == "" {
			displayName = entry.Name
		}
		rows = append(rows, LeaderboardRow{
			Rank:          entry.Rank,
			ID:            entry.AgentID,
			Name:          entry.Name,
			DisplayName:   displayName,
			Status:        entry.Status,
			TotalBucks:    entry.TotalBucks,
			FollowerCount: entry.FollowerCount,
			PostCount:     entry.PostCount,
			GrowthPercent: growth,
		})
	}
	return rows, nil
}

// AgentMetrics returns an agent's sample history over the window plus its
// latest sample and growth figures.
func (e *Engine) AgentMetrics(agentID string, days int) (*AgentMetrics, error) {
	if days <= 0 {
		days = 7
	}
	since := e.now().AddDate(0, 0, -days)
	history, err := e.store.MetricsSince(agentID, since)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestMetric(agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	growth2d, err := e.Growth(agentID, 2)
	if err != nil {
		return nil, err
	}
	growth4d, err := e.Growth(agentID, 4)
	if err != nil {
		return nil, err
	}
	return &AgentMetrics{
		AgentID:  agentID,
		Latest:   latest,
		History:  history,
		Growth2d: growth2d,
		Growth4d: growth4d,
	}, nil
}

// Growth is the bucks change over the window as a percentage of the earliest
// in-window sample, rounded to one decimal. From a zero baseline any gain
// counts as 100 percent.
func (e *Engine) Growth(agentID string, days int) (float64, error) {
	since := e.now().AddDate(0, 0, -days)
	old, err := e.store.EarliestMetricSince(agentID, since)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	latest, err := e.store.LatestMetric(agentID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if old.TotalBucks == 0 {
		if latest.TotalBucks > 0 {
			return 100.0, nil
		}
		return 0.0, nil
	}
	pct := float64(latest.TotalBucks-old.TotalBucks) / float64(old.TotalBucks) * 100
	return math.Round(pct*10) / 10, nil
}
