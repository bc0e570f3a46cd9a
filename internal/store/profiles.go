package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jaakkos/loopfactory/internal/domain"
)

// GetProfile loads a named profile.
func (s *Store) GetProfile(name string) (*domain.Profile, error) {
	row := s.db.QueryRow(`SELECT name, env_ref, mcp_ref, use_mcp_default,
		system_prompt_mode, model
		FROM agent_profiles WHERE name = ?`, name)

	var p domain.Profile
	var envRef, mcpRef, promptMode, model sql.NullString
	var useMCP sql.NullInt64
	err := row.Scan(&p.Name, &envRef, &mcpRef, &useMCP, &promptMode, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.EnvRef = envRef.String
	p.MCPRef = mcpRef.String
	p.UseMCPDefault = useMCP.Int64 != 0
	p.SystemPromptMode = promptMode.String
	p.Model = model.String
	return &p, nil
}

// GetProfileEnv returns the named env bundle as a map. The stored value is a
// JSON object of string pairs.
func (s *Store) GetProfileEnv(name string) (map[string]string, error) {
	var data sql.NullString
	err := s.db.QueryRow("SELECT data FROM profile_envs WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile env: %w", err)
	}
	env := map[string]string{}
	if data.String == "" {
		return env, nil
	}
	if err := json.Unmarshal([]byte(data.String), &env); err != nil {
		return nil, fmt.Errorf("profile env %s: %w", name, err)
	}
	return env, nil
}

// GetProfileMCP returns the named MCP server list. Entries are kept as opaque
// JSON objects; the supervisor forwards them to the CLI without inspecting
// their shape.
func (s *Store) GetProfileMCP(name string) ([]map[string]any, error) {
	var servers sql.NullString
	err := s.db.QueryRow("SELECT servers FROM profile_mcp_configs WHERE name = ?", name).Scan(&servers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile mcp: %w", err)
	}
	var list []map[string]any
	if servers.String == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(servers.String), &list); err != nil {
		return nil, fmt.Errorf("profile mcp %s: %w", name, err)
	}
	return list, nil
}

// UpsertProfileEnv stores an env bundle under name.
func (s *Store) UpsertProfileEnv(name string, env map[string]string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO profile_envs (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`, name, string(data))
	if err != nil {
		return fmt.Errorf("upsert env: %w", err)
	}
	return nil
}

// UpsertProfileMCP stores an MCP server list under name.
func (s *Store) UpsertProfileMCP(name string, servers []map[string]any) error {
	data, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("marshal mcp servers: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO profile_mcp_configs (name, servers) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET servers = excluded.servers`, name, string(data))
	if err != nil {
		return fmt.Errorf("upsert mcp servers: %w", err)
	}
	return nil
}

// UpsertProfile stores a profile row, replacing any existing one of the same
// name.
func (s *Store) UpsertProfile(p *domain.Profile) error {
	_, err := s.db.Exec(`INSERT INTO agent_profiles
		(name, env_ref, mcp_ref, use_mcp_default, system_prompt_mode, model)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			env_ref = excluded.env_ref,
			mcp_ref = excluded.mcp_ref,
			use_mcp_default = excluded.use_mcp_default,
			system_prompt_mode = excluded.system_prompt_mode,
			model = excluded.model`,
		p.Name, p.EnvRef, p.MCPRef, boolArg(p.UseMCPDefault),
		p.SystemPromptMode, nullIfEmpty(p.Model))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ListProfiles returns all profile rows ordered by name.
func (s *Store) ListProfiles() ([]domain.Profile, error) {
	rows, err := s.db.Query(`SELECT name, env_ref, mcp_ref, use_mcp_default,
		system_prompt_mode, model
		FROM agent_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var p domain.Profile
		var envRef, mcpRef, promptMode, model sql.NullString
		var useMCP sql.NullInt64
		err := rows.Scan(&p.Name, &envRef, &mcpRef, &useMCP, &promptMode, &model)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.EnvRef = envRef.String
		p.MCPRef = mcpRef.String
		p.UseMCPDefault = useMCP.Int64 != 0
		p.SystemPromptMode = promptMode.String
		p.Model = model.String
		out = append(out, p)
	}
	return out, rows.Err()
}
