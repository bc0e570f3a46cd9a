package runner

import (
	"context"
	"sync"

	"github.com/jaakkos/loopfactory/internal/domain"
)

// HeartbeatResult packages one heartbeat outcome with its skill marker.
type HeartbeatResult struct {
	Success    bool
	Output     string
	Error      string
	LogFile    string
	SkillsUsed string
}

// HeartbeatManager serializes heartbeat executions under a process-wide
// mutex. Admission control upstream decides when a heartbeat may start; the
// mutex guarantees the CLI never runs twice at once in this process.
type HeartbeatManager struct {
	runner *Runner
	mu     sync.Mutex
}

// NewHeartbeatManager wraps a runner.
func NewHeartbeatManager(r *Runner) *HeartbeatManager {
	return &HeartbeatManager{runner: r}
}

// ExecuteHeartbeat runs one heartbeat and extracts the skill marker.
func (h *HeartbeatManager) ExecuteHeartbeat(ctx context.Context, agent *domain.Agent) *HeartbeatResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := h.runner.RunHeartbeat(ctx, agent)
	out := &HeartbeatResult{
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
		LogFile: res.LogFile,
	}
	if res.Success {
		out.SkillsUsed = ExtractSkills(res.Output)
	} else {
		out.SkillsUsed = "unknown"
	}
	return out
}
