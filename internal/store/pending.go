package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// InsertPending records an agent awaiting human activation.
func (s *Store) InsertPending(agentID, activationURL string) error {
	_, err := s.db.Exec(`INSERT INTO pending_activation
		(agent_id, activation_url, created_at, check_count)
		VALUES (?, ?, ?, 0)`,
		agentID, activationURL, timeutil.Format(s.now()))
	if err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	return nil
}

// ListPending returns pending rows whose agents still sit in the activation
// window. Rows whose agent was moved on by another path are excluded.
func (s *Store) ListPending() ([]domain.PendingActivation, error) {
	rows, err := s.db.Query(`SELECT p.id, p.agent_id, p.activation_url,
		p.created_at, p.last_checked, p.check_count
		FROM pending_activation p
		JOIN agents a ON a.id = p.agent_id
		WHERE a.status IN (?, ?)
		ORDER BY p.created_at ASC`,
		domain.StatusWaiting, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingActivation
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetPendingByAgent returns the pending row for one agent.
func (s *Store) GetPendingByAgent(agentID string) (*domain.PendingActivation, error) {
	row := s.db.QueryRow(`SELECT id, agent_id, activation_url, created_at,
		last_checked, check_count
		FROM pending_activation WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT 1`, agentID)
	return scanPending(row)
}

// MarkPendingChecked bumps check_count and stamps last_checked.
func (s *Store) MarkPendingChecked(id int64) error {
	_, err := s.db.Exec(`UPDATE pending_activation
		SET check_count = check_count + 1, last_checked = ?
		WHERE id = ?`, timeutil.Format(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark pending checked: %w", err)
	}
	return nil
}

// DeletePendingByAgent removes an agent's pending rows. Missing rows are not
// an error.
func (s *Store) DeletePendingByAgent(agentID string) error {
	_, err := s.db.Exec("DELETE FROM pending_activation WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

func scanPending(row rowScanner) (*domain.PendingActivation, error) {
	var p domain.PendingActivation
	var createdAt, lastChecked sql.NullString
	err := row.Scan(&p.ID, &p.AgentID, &p.ActivationURL, &createdAt, &lastChecked, &p.CheckCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	t, err := nullableTime(createdAt, "pending created_at")
	if err != nil {
		return nil, err
	}
	p.CreatedAt = t
	t, err = nullableTime(lastChecked, "pending last_checked")
	if err != nil {
		return nil, err
	}
	p.LastChecked = t
	return &p, nil
}
