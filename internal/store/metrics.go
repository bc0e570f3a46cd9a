package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// latestMetricJoin picks each agent's most recent metric row. Ties on
// recorded_at fall back to insertion order.
const latestMetricJoin = `LEFT JOIN metrics m ON m.id = (
	SELECT id FROM metrics WHERE agent_id = a.id
	ORDER BY recorded_at DESC, id DESC LIMIT 1)`

// InsertMetric appends a metric sample. RecordedAt is stamped if unset.
func (s *Store) InsertMetric(m *domain.Metric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	res, err := s.db.Exec(`INSERT INTO metrics
		(agent_id, recorded_at, total_bucks, follower_count, following_count,
		 post_count, comment_count, upvote_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AgentID, timeutil.Format(m.RecordedAt), m.TotalBucks, m.FollowerCount,
		m.FollowingCount, m.PostCount, m.CommentCount, m.UpvoteCount)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// LatestMetric returns the most recent metric sample for an agent, or
// ErrNotFound when none have been recorded.
func (s *Store) LatestMetric(agentID string) (*domain.Metric, error) {
	row := s.db.QueryRow(metricColumns+` FROM metrics WHERE agent_id = ?
		ORDER BY recorded_at DESC, id DESC LIMIT 1`, agentID)
	return scanMetric(row)
}

// MetricBefore returns the most recent metric at or before cutoff, or
// ErrNotFound when the agent has no samples that old.
func (s *Store) MetricBefore(agentID string, cutoff time.Time) (*domain.Metric, error) {
	row := s.db.QueryRow(metricColumns+` FROM metrics
		WHERE agent_id = ? AND recorded_at <= ?
		ORDER BY recorded_at DESC, id DESC LIMIT 1`,
		agentID, timeutil.Format(cutoff))
	return scanMetric(row)
}

// EarliestMetricSince returns the oldest metric recorded at or after since.
// The stagnation check compares it against the latest sample.
func (s *Store) EarliestMetricSince(agentID string, since time.Time) (*domain.Metric, error) {
	row := s.db.QueryRow(metricColumns+` FROM metrics
		WHERE agent_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC, id ASC LIMIT 1`,
		agentID, timeutil.Format(since))
	return scanMetric(row)
}

// MetricsSince returns an agent's samples recorded at or after since, oldest
// first.
func (s *Store) MetricsSince(agentID string, since time.Time) ([]domain.Metric, error) {
	rows, err := s.db.Query(metricColumns+` FROM metrics
		WHERE agent_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC, id ASC`,
		agentID, timeutil.Format(since))
	if err != nil {
		return nil, fmt.Errorf("metrics since: %w", err)
	}
	defer rows.Close()

	var out []domain.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// FleetTotals aggregates each agent's latest metric sample across the fleet.
type FleetTotals struct {
	TotalBucks     int
	FollowerCount  int
	PostCount      int
	CommentCount   int
	UpvoteCount    int
	AgentsReported int
}

// LatestTotals sums the most recent metric per agent over the given statuses.
func (s *Store) LatestTotals(statuses ...string) (*FleetTotals, error) {
	query := `SELECT
		COALESCE(SUM(m.total_bucks), 0),
		COALESCE(SUM(m.follower_count), 0),
		COALESCE(SUM(m.post_count), 0),
		COALESCE(SUM(m.comment_count), 0),
		COALESCE(SUM(m.upvote_count), 0),
		COUNT(m.id)
		FROM agents a ` + latestMetricJoin
	var args []any
	if len(statuses) > 0 {
		query += " WHERE a.status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	var t FleetTotals
	err := s.db.QueryRow(query, args...).Scan(&t.TotalBucks, &t.FollowerCount,
		&t.PostCount, &t.CommentCount, &t.UpvoteCount, &t.AgentsReported)
	if err != nil {
		return nil, fmt.Errorf("latest totals: %w", err)
	}
	return &t, nil
}

// LeaderboardEntry is one ranked row: an agent joined with its latest metric.
type LeaderboardEntry struct {
	Rank          int
	AgentID       string
	Name          string
	DisplayName   string
	Status        string
	TotalBucks    int
	FollowerCount int
	PostCount     int
}

// Leaderboard ranks agents in the given statuses by latest bucks, descending.
// Agents without metrics rank at zero bucks rather than being dropped.
func (s *Store) Leaderboard(limit int, statuses ...string) ([]LeaderboardEntry, error) {
	query := `SELECT a.id, a.name, a.display_name, a.status,
		COALESCE(m.total_bucks, 0),
		COALESCE(m.follower_count, 0),
		COALESCE(m.post_count, 0),
		ROW_NUMBER() OVER (ORDER BY COALESCE(m.total_bucks, 0) DESC) AS rank
		FROM agents a ` + latestMetricJoin
	var args []any
	if len(statuses) > 0 {
		query += " WHERE a.status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY rank"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		var displayName sql.NullString
		err := rows.Scan(&e.AgentID, &e.Name, &displayName, &e.Status,
			&e.TotalBucks, &e.FollowerCount, &e.PostCount, &e.Rank)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		e.DisplayName = displayName.String
		out = append(out, e)
	}
	return out, rows.Err()
}

const metricColumns = `SELECT id, agent_id, recorded_at, total_bucks, follower_count,
	following_count, post_count, comment_count, upvote_count`

func scanMetric(row rowScanner) (*domain.Metric, error) {
	var m domain.Metric
	var recordedAt sql.NullString
	var bucks, followers, following, posts, comments, upvotes sql.NullInt64
	err := row.Scan(&m.ID, &m.AgentID, &recordedAt, &bucks, &followers,
		&following, &posts, &comments, &upvotes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan metric: %w", err)
	}
	m.TotalBucks = int(bucks.Int64)
	m.FollowerCount = int(followers.Int64)
	m.FollowingCount = int(following.Int64)
	m.PostCount = int(posts.Int64)
	m.CommentCount = int(comments.Int64)
	m.UpvoteCount = int(upvotes.Int64)
	t, err := nullableTime(recordedAt, "metrics recorded_at")
	if err != nil {
		return nil, err
	}
	m.RecordedAt = t
	return &m, nil
}
