package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// UpsertSchedule writes the next-run decision for an agent, replacing any
// existing row. last_run_at is preserved on conflict.
func (s *Store) UpsertSchedule(agentID string, sched domain.Schedule) error {
	_, err := s.db.Exec(`INSERT INTO agent_schedule
		(agent_id, next_run_at, policy, reason, priority, interval_minutes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			next_run_at = excluded.next_run_at,
			policy = excluded.policy,
			reason = excluded.reason,
			priority = excluded.priority,
			interval_minutes = excluded.interval_minutes,
			updated_at = excluded.updated_at`,
		agentID, timeArg(sched.NextRunAt), sched.Policy, sched.Reason,
		sched.Priority, sched.IntervalMinutes, timeutil.Format(s.now()))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// UpdateLastRun stamps last_run_at for an agent's schedule row.
func (s *Store) UpdateLastRun(agentID string, runAt time.Time) error {
	_, err := s.db.Exec(`UPDATE agent_schedule
		SET last_run_at = ?, updated_at = ?
		WHERE agent_id = ?`,
		timeutil.Format(runAt), timeutil.Format(s.now()), agentID)
	if err != nil {
		return fmt.Errorf("update last run: %w", err)
	}
	return nil
}

// DeleteSchedule removes an agent's schedule row. Missing rows are not an
// error.
func (s *Store) DeleteSchedule(agentID string) error {
	_, err := s.db.Exec("DELETE FROM agent_schedule WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// GetSchedule loads an agent's schedule row.
func (s *Store) GetSchedule(agentID string) (*domain.Schedule, error) {
	row := s.db.QueryRow(`SELECT agent_id, next_run_at, last_run_at, policy, reason,
		priority, interval_minutes, updated_at
		FROM agent_schedule WHERE agent_id = ?`, agentID)

	var sched domain.Schedule
	var nextRun, lastRun, policy, reason, updatedAt sql.NullString
	var interval sql.NullInt64
	err := row.Scan(&sched.AgentID, &nextRun, &lastRun, &policy, &reason,
		&sched.Priority, &interval, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Policy = policy.String
	sched.Reason = reason.String
	sched.IntervalMinutes = int(interval.Int64)
	for _, field := range []struct {
		src sql.NullString
		dst *time.Time
		ctx string
	}{
		{nextRun, &sched.NextRunAt, "schedule next_run_at"},
		{lastRun, &sched.LastRunAt, "schedule last_run_at"},
		{updatedAt, &sched.UpdatedAt, "schedule updated_at"},
	} {
		t, err := nullableTime(field.src, field.ctx)
		if err != nil {
			return nil, err
		}
		*field.dst = t
	}
	return &sched, nil
}
