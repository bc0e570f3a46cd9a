package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jaakkos/loopfactory/internal/domain"
)

// ErrBadPlacement is returned when a node does not belong to the given site.
var ErrBadPlacement = errors.New("node does not belong to site")

// GetSite loads one site.
func (s *Store) GetSite(id string) (*domain.Site, error) {
	row := s.db.QueryRow("SELECT id, name, created_at FROM loop_sites WHERE id = ?", id)
	var site domain.Site
	var createdAt sql.NullString
	err := row.Scan(&site.ID, &site.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan site: %w", err)
	}
	t, err := nullableTime(createdAt, "loop_sites created_at")
	if err != nil {
		return nil, err
	}
	site.CreatedAt = t
	return &site, nil
}

// GetNode loads one node.
func (s *Store) GetNode(id string) (*domain.Node, error) {
	row := s.db.QueryRow("SELECT id, site_id, name, created_at FROM loop_nodes WHERE id = ?", id)
	var node domain.Node
	var createdAt sql.NullString
	err := row.Scan(&node.ID, &node.SiteID, &node.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	t, err := nullableTime(createdAt, "loop_nodes created_at")
	if err != nil {
		return nil, err
	}
	node.CreatedAt = t
	return &node, nil
}

// ValidatePlacement checks that both the site and node exist and that the
// node belongs to the site.
func (s *Store) ValidatePlacement(siteID, nodeID string) error {
	if _, err := s.GetSite(siteID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("site %s: %w", siteID, ErrNotFound)
		}
		return err
	}
	node, err := s.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
		}
		return err
	}
	if node.SiteID != siteID {
		return fmt.Errorf("node %s, site %s: %w", nodeID, siteID, ErrBadPlacement)
	}
	return nil
}

// ListSites returns all sites ordered by id.
func (s *Store) ListSites() ([]domain.Site, error) {
	rows, err := s.db.Query("SELECT id, name, created_at FROM loop_sites ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []domain.Site
	for rows.Next() {
		var site domain.Site
		var createdAt sql.NullString
		if err := rows.Scan(&site.ID, &site.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		t, err := nullableTime(createdAt, "loop_sites created_at")
		if err != nil {
			return nil, err
		}
		site.CreatedAt = t
		out = append(out, site)
	}
	return out, rows.Err()
}

// ListNodes returns all nodes ordered by id, optionally filtered by site.
func (s *Store) ListNodes(siteID string) ([]domain.Node, error) {
	query := "SELECT id, site_id, name, created_at FROM loop_nodes"
	var args []any
	if siteID != "" {
		query += " WHERE site_id = ?"
		args = append(args, siteID)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		var node domain.Node
		var createdAt sql.NullString
		if err := rows.Scan(&node.ID, &node.SiteID, &node.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		t, err := nullableTime(createdAt, "loop_nodes created_at")
		if err != nil {
			return nil, err
		}
		node.CreatedAt = t
		out = append(out, node)
	}
	return out, rows.Err()
}
