package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// LogActivity appends an audit entry. Failures to log never block the caller
// path, so callers typically log the returned error and move on.
func (s *Store) LogActivity(agentID, activityType, details string, success bool) error {
	_, err := s.db.Exec(`INSERT INTO activity_log
		(agent_id, activity_type, details, success, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		agentID, activityType, details, boolArg(success), timeutil.Format(s.now()))
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// RecentActivity returns an agent's newest audit entries, newest first.
func (s *Store) RecentActivity(agentID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, agent_id, activity_type, details, success, created_at
		FROM activity_log WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

// ActivitySince returns an agent's entries of one type recorded at or after
// since, newest first. The reactivation prompt budget is counted from this.
func (s *Store) ActivitySince(agentID, activityType string, since time.Time) ([]domain.ActivityEntry, error) {
	rows, err := s.db.Query(`SELECT id, agent_id, activity_type, details, success, created_at
		FROM activity_log
		WHERE agent_id = ? AND activity_type = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC`,
		agentID, activityType, timeutil.Format(since))
	if err != nil {
		return nil, fmt.Errorf("activity since: %w", err)
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

func scanActivityRows(rows *sql.Rows) ([]domain.ActivityEntry, error) {
	var out []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var details, createdAt sql.NullString
		var success sql.NullInt64
		err := rows.Scan(&e.ID, &e.AgentID, &e.ActivityType, &details, &success, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Details = details.String
		e.Success = success.Int64 != 0
		t, err := nullableTime(createdAt, "activity_log created_at")
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}
