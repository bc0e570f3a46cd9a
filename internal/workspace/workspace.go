// Package workspace manages per-agent directories on disk: identity files,
// the state mirror, merged CLI settings, and execution logs.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/timeutil"
)

const logTimestampLayout = "2006-01-02_15-04-05"

// Workspace is one agent's directory under the agents root.
type Workspace struct {
	AgentID string
	Dir     string
}

// For returns the workspace handle for an agent. Nothing is touched on disk.
func For(baseDir, agentID string) *Workspace {
	return &Workspace{AgentID: agentID, Dir: filepath.Join(baseDir, agentID)}
}

// GhostPath is the identity file consumed by the loop CLI.
func (w *Workspace) GhostPath() string { return filepath.Join(w.Dir, "ghost.md") }

// ShellPath is the behavior file consumed by the loop CLI.
func (w *Workspace) ShellPath() string { return filepath.Join(w.Dir, "shell.md") }

// StatePath is the state.json mirror of the agent's database row.
func (w *Workspace) StatePath() string { return filepath.Join(w.Dir, "state.json") }

// SettingsPath is the merged CLI settings file written when MCP servers are
// configured.
func (w *Workspace) SettingsPath() string { return filepath.Join(w.Dir, "settings.json") }

// ConfigPath is the optional per-workspace CLI config.
func (w *Workspace) ConfigPath() string { return filepath.Join(w.Dir, ".assiloop", "config.yaml") }

// LogDir holds one log file per CLI execution.
func (w *Workspace) LogDir() string { return filepath.Join(w.Dir, "logs") }

// NextLogFile returns the log path for an execution starting at t.
func (w *Workspace) NextLogFile(t time.Time) string {
	return filepath.Join(w.LogDir(), t.Format(logTimestampLayout)+".log")
}

// EnsureLayout creates the workspace and logs directories if missing.
func (w *Workspace) EnsureLayout() error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("workspace mkdir: %w", err)
	}
	if err := os.MkdirAll(w.LogDir(), 0755); err != nil {
		return fmt.Errorf("workspace logs mkdir: %w", err)
	}
	return nil
}

// State is the on-disk mirror kept beside the identity files so a workspace
// is inspectable without the database.
type State map[string]any

// Create materializes a new workspace: identity files, initial state, and the
// logs directory.
func Create(baseDir, agentID, ghostMD, shellMD string, now time.Time) (*Workspace, error) {
	w := For(baseDir, agentID)
	if err := w.EnsureLayout(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(w.GhostPath(), []byte(ghostMD), 0644); err != nil {
		return nil, fmt.Errorf("write ghost.md: %w", err)
	}
	if err := os.WriteFile(w.ShellPath(), []byte(shellMD), 0644); err != nil {
		return nil, fmt.Errorf("write shell.md: %w", err)
	}
	stamp := timeutil.Format(now)
	initial := State{
		"status":               domain.StatusDesign,
		"last_heartbeat":       nil,
		"heartbeat_count":      0,
		"consecutive_failures": 0,
		"metrics_snapshot": map[string]int{
			"total_bucks":    0,
			"follower_count": 0,
			"post_count":     0,
			"comment_count":  0,
		},
		"activity_status": domain.ActivityUnknown,
		"created_at":      stamp,
		"updated_at":      stamp,
	}
	if err := w.writeState(initial); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteFile replaces one file inside the workspace.
func (w *Workspace) WriteFile(name, content string) error {
	if _, err := os.Stat(w.Dir); err != nil {
		return fmt.Errorf("workspace %s: %w", w.AgentID, err)
	}
	if err := os.WriteFile(filepath.Join(w.Dir, name), []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// State reads state.json. A missing file yields an empty state.
func (w *Workspace) State() (State, error) {
	data, err := os.ReadFile(w.StatePath())
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return state, nil
}

// UpdateState merges updates into state.json and stamps updated_at.
func (w *Workspace) UpdateState(updates State) error {
	state, err := w.State()
	if err != nil {
		return err
	}
	for k, v := range updates {
		state[k] = v
	}
	state["updated_at"] = timeutil.Format(time.Now())
	return w.writeState(state)
}

func (w *Workspace) writeState(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(w.StatePath(), data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// WriteMergedSettings merges MCP servers into a base settings file and writes
// the result into the workspace. A missing or empty base contributes nothing.
func (w *Workspace) WriteMergedSettings(basePath string, servers []map[string]any) (string, error) {
	settings := map[string]any{}
	if basePath != "" {
		data, err := os.ReadFile(basePath)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read base settings: %w", err)
		}
		if err == nil && len(data) > 0 {
			if err := json.Unmarshal(data, &settings); err != nil {
				return "", fmt.Errorf("parse base settings: %w", err)
			}
		}
	}

	mcpServers, _ := settings["mcpServers"].(map[string]any)
	if mcpServers == nil {
		mcpServers = map[string]any{}
	}
	for i, server := range servers {
		name, _ := server["name"].(string)
		if name == "" {
			name = fmt.Sprintf("server_%d", i)
		}
		mcpServers[name] = server
	}
	settings["mcpServers"] = mcpServers

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(w.SettingsPath(), data, 0644); err != nil {
		return "", fmt.Errorf("write settings: %w", err)
	}
	return w.SettingsPath(), nil
}

// GenerateGhostMD renders a minimal identity file when the caller supplies
// none.
func GenerateGhostMD(name, bio string) string {
	if name == "" {
		name = "Agent"
	}
	return fmt.Sprintf("# ghost.md - %s\n\n%s", name, bio)
}

// GenerateShellMD renders a minimal behavior file when the caller supplies
// none.
func GenerateShellMD(name, skillURL string) string {
	if name == "" {
		name = "Agent"
	}
	return fmt.Sprintf("# shell.md - %s\n\nSkill URL: %s", name, skillURL)
}
