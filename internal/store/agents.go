package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// ErrDuplicateName is returned when an agent name is already taken.
var ErrDuplicateName = errors.New("agent name already exists")

const agentColumns = `id, name, display_name, bio, status, activation_url, ghost_md, shell_md,
	is_protected, created_at, registered_at, activated_at, retired_at, last_heartbeat,
	activity_status, profile_name, use_mcp, model, site_id, node_id`

// CreateAgent inserts a new agent row. CreatedAt is stamped if unset.
func (s *Store) CreateAgent(a *domain.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Status == "" {
		a.Status = domain.StatusDesign
	}
	if a.SiteID == "" {
		a.SiteID = "site_default"
	}
	if a.NodeID == "" {
		a.NodeID = "node_default"
	}
	_, err := s.db.Exec(`INSERT INTO agents
		(id, name, display_name, bio, status, activation_url, ghost_md, shell_md,
		 is_protected, created_at, registered_at, activated_at, retired_at, last_heartbeat,
		 activity_status, profile_name, use_mcp, model, site_id, node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.DisplayName, a.Bio, a.Status, nullIfEmpty(a.ActivationURL),
		a.GhostMD, a.ShellMD, boolArg(a.IsProtected),
		timeArg(a.CreatedAt), timeArg(a.RegisteredAt), timeArg(a.ActivatedAt),
		timeArg(a.RetiredAt), timeArg(a.LastHeartbeat),
		nullIfEmpty(a.ActivityStatus), nullIfEmpty(a.ProfileName), boolArg(a.UseMCP),
		nullIfEmpty(a.Model), a.SiteID, a.NodeID)
	if isUniqueErr(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent loads one agent by id. The wide query is safe because migrations
// run unconditionally at Open.
func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	return scanAgent(row)
}

// GetAgentByName loads one agent by its unique name.
func (s *Store) GetAgentByName(name string) (*domain.Agent, error) {
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE name = ?", name)
	return scanAgent(row)
}

// ListAgents returns agents ordered by creation time, newest first. An empty
// status filter lists all agents.
func (s *Store) ListAgents(statuses ...string) ([]domain.Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListAgentIDsByStatus returns the ids of agents with the given status.
func (s *Store) ListAgentIDsByStatus(status string) ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM agents WHERE status = ?", status)
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountAgentsByStatus returns the number of agents with the given status.
func (s *Store) CountAgentsByStatus(status string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM agents WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// AgentUpdate is a typed partial update. Nil fields are untouched; set fields
// are written in declaration order so generated SQL is deterministic. Setting
// ActivationURL to the empty string clears the column.
type AgentUpdate struct {
	Name           *string
	DisplayName    *string
	Bio            *string
	GhostMD        *string
	ShellMD        *string
	Status         *string
	ActivityStatus *string
	ActivationURL  *string
	ProfileName    *string
	UseMCP         *bool
	Model          *string
	SiteID         *string
	NodeID         *string
	IsProtected    *bool
	RegisteredAt   *time.Time
	ActivatedAt    *time.Time
	RetiredAt      *time.Time
	LastHeartbeat  *time.Time
}

// IsEmpty reports whether the update carries no fields.
func (u AgentUpdate) IsEmpty() bool {
	return u == AgentUpdate{}
}

// UpdateAgent applies a partial update. Empty updates are rejected with
// ErrEmptyUpdate. A transition to ACTIVE stamps activated_at if not already
// set; a transition to RETIRED stamps retired_at.
func (s *Store) UpdateAgent(id string, u AgentUpdate) error {
	if u.IsEmpty() {
		return ErrEmptyUpdate
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.DisplayName != nil {
		add("display_name", *u.DisplayName)
	}
	if u.Bio != nil {
		add("bio", *u.Bio)
	}
	if u.GhostMD != nil {
		add("ghost_md", *u.GhostMD)
	}
	if u.ShellMD != nil {
		add("shell_md", *u.ShellMD)
	}
	if u.Status != nil {
		add("status", *u.Status)
		if *u.Status == domain.StatusActive && u.ActivatedAt == nil {
			sets = append(sets, "activated_at = COALESCE(activated_at, ?)")
			args = append(args, timeutil.Format(s.now()))
		}
		if *u.Status == domain.StatusRetired && u.RetiredAt == nil {
			sets = append(sets, "retired_at = COALESCE(retired_at, ?)")
			args = append(args, timeutil.Format(s.now()))
		}
	}
	if u.ActivityStatus != nil {
		add("activity_status", *u.ActivityStatus)
	}
	if u.ActivationURL != nil {
		add("activation_url", nullIfEmpty(*u.ActivationURL))
	}
	if u.ProfileName != nil {
		add("profile_name", *u.ProfileName)
	}
	if u.UseMCP != nil {
		add("use_mcp", boolArg(*u.UseMCP))
	}
	if u.Model != nil {
		add("model", nullIfEmpty(*u.Model))
	}
	if u.SiteID != nil {
		add("site_id", *u.SiteID)
	}
	if u.NodeID != nil {
		add("node_id", *u.NodeID)
	}
	if u.IsProtected != nil {
		add("is_protected", boolArg(*u.IsProtected))
	}
	if u.RegisteredAt != nil {
		add("registered_at", timeArg(*u.RegisteredAt))
	}
	if u.ActivatedAt != nil {
		add("activated_at", timeArg(*u.ActivatedAt))
	}
	if u.RetiredAt != nil {
		add("retired_at", timeArg(*u.RetiredAt))
	}
	if u.LastHeartbeat != nil {
		add("last_heartbeat", timeArg(*u.LastHeartbeat))
	}

	query := "UPDATE agents SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id)
	res, err := s.db.Exec(query, args...)
	if isUniqueErr(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var displayName, bio, status, activationURL, ghostMD, shellMD sql.NullString
	var activityStatus, profileName, model, siteID, nodeID sql.NullString
	var isProtected, useMCP sql.NullInt64
	var createdAt, registeredAt, activatedAt, retiredAt, lastHeartbeat sql.NullString

	err := row.Scan(&a.ID, &a.Name, &displayName, &bio, &status, &activationURL,
		&ghostMD, &shellMD, &isProtected, &createdAt, &registeredAt, &activatedAt,
		&retiredAt, &lastHeartbeat, &activityStatus, &profileName, &useMCP, &model,
		&siteID, &nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	a.DisplayName = displayName.String
	a.Bio = bio.String
	a.Status = status.String
	a.ActivationURL = activationURL.String
	a.GhostMD = ghostMD.String
	a.ShellMD = shellMD.String
	a.ActivityStatus = activityStatus.String
	a.ProfileName = profileName.String
	a.Model = model.String
	a.SiteID = siteID.String
	a.NodeID = nodeID.String
	a.IsProtected = isProtected.Int64 != 0
	a.UseMCP = useMCP.Int64 != 0

	for _, field := range []struct {
		src sql.NullString
		dst *time.Time
		ctx string
	}{
		{createdAt, &a.CreatedAt, "agents created_at"},
		{registeredAt, &a.RegisteredAt, "agents registered_at"},
		{activatedAt, &a.ActivatedAt, "agents activated_at"},
		{retiredAt, &a.RetiredAt, "agents retired_at"},
		{lastHeartbeat, &a.LastHeartbeat, "agents last_heartbeat"},
	} {
		t, err := nullableTime(field.src, field.ctx)
		if err != nil {
			return nil, err
		}
		*field.dst = t
	}
	return &a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
