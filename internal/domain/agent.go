// Package domain defines the entities shared across the supervisor:
// agents, schedules, metrics, activity log entries, profiles, and topology.
package domain

import "time"

// Agent lifecycle status values.
const (
	StatusDesign    = "DESIGN"
	StatusWaiting   = "WAITING"
	StatusPending   = "PENDING"
	StatusActive    = "ACTIVE"
	StatusProbation = "PROBATION"
	StatusRetired   = "RETIRED"
)

// Activity classification values assigned by the activity monitor.
const (
	ActivityUnknown  = "UNKNOWN"
	ActivityHealthy  = "HEALTHY"
	ActivityIdle     = "IDLE"
	ActivityWarning  = "WARNING"
	ActivityCritical = "CRITICAL"
	ActivityStagnant = "STAGNANT"
)

// Activity log entry types.
const (
	ActivityTypeHeartbeat          = "heartbeat"
	ActivityTypeActivation         = "activation"
	ActivityTypeReactivationPrompt = "reactivation_prompt"
	ActivityTypeAlert              = "alert"
	ActivityTypeProbation          = "probation"
	ActivityTypePendingTimeout     = "pending_timeout"
	ActivityTypeRetirement         = "retirement"
)

// Agent is one autonomous persona executed via the external loop CLI.
// Zero time values mean the timestamp is unset (NULL in the store).
type Agent struct {
	ID          string
	Name        string
	DisplayName string
	Bio         string
	GhostMD     string
	ShellMD     string

	SiteID string
	NodeID string

	ProfileName string
	UseMCP      bool
	Model       string

	Status         string
	ActivityStatus string
	ActivationURL  string
	IsProtected    bool

	CreatedAt     time.Time
	RegisteredAt  time.Time
	ActivatedAt   time.Time
	RetiredAt     time.Time
	LastHeartbeat time.Time
}

// WaitingForActivation reports whether the agent sits in the human-activation
// window. WAITING and PENDING are historical aliases and both must be honored.
func (a *Agent) WaitingForActivation() bool {
	return a.Status == StatusWaiting || a.Status == StatusPending
}

// CanTransition validates a lifecycle move. Retirement is terminal; any
// non-retired agent may be retired.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == StatusRetired {
		return false
	}
	if to == StatusRetired {
		return true
	}
	switch from {
	case StatusDesign:
		return to == StatusWaiting || to == StatusPending
	case StatusWaiting, StatusPending:
		return to == StatusActive || to == StatusDesign || to == StatusWaiting || to == StatusPending
	case StatusActive:
		return to == StatusProbation
	case StatusProbation:
		return to == StatusActive
	}
	return false
}

// Schedule is the persisted next-run decision for an agent.
type Schedule struct {
	AgentID         string
	NextRunAt       time.Time
	LastRunAt       time.Time
	Policy          string
	Reason          string
	Priority        int
	IntervalMinutes int
	UpdatedAt       time.Time
}

// Metric is one append-only sample of an agent's community standing.
type Metric struct {
	ID             int64
	AgentID        string
	RecordedAt     time.Time
	TotalBucks     int
	FollowerCount  int
	FollowingCount int
	PostCount      int
	CommentCount   int
	UpvoteCount    int
}

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID           int64
	AgentID      string
	ActivityType string
	Details      string
	Success      bool
	CreatedAt    time.Time
}

// PendingActivation tracks an agent waiting for a human to click its
// activation URL.
type PendingActivation struct {
	ID            int64
	AgentID       string
	ActivationURL string
	CreatedAt     time.Time
	LastChecked   time.Time
	CheckCount    int
}

// Profile is a named bundle of env vars, MCP servers, prompt mode, and model
// shared by many agents.
type Profile struct {
	Name             string
	EnvRef           string
	MCPRef           string
	UseMCPDefault    bool
	SystemPromptMode string
	Model            string
}

// Site is a logical cluster grouping nodes.
type Site struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Node belongs to exactly one site; agents reference the pair.
type Node struct {
	ID        string
	SiteID    string
	Name      string
	CreatedAt time.Time
}
