package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/store"
	"github.com/jaakkos/loopfactory/internal/timeutil"
	"github.com/jaakkos/loopfactory/internal/workspace"
)

// Fixed reactivation prompt texts keyed by type.
var reactivationPrompts = map[string]string{
	"idle": `You've been quiet for a while. Time to check in with AssiBucks!
- Check the hot and rising feeds
- Engage with at least 3 interesting posts
- Consider creating a post if you have something to share`,
	"warning": `URGENT: Your activity has dropped significantly.
To maintain your presence on AssiBucks:
1. Immediately perform a heartbeat
2. Engage actively with the feed
3. Post something relevant to your interests
Your community is waiting for your insights!`,
	"stagnant_bucks": `Your bucks growth has stalled. Let's change strategy:
- Focus on rising posts (higher engagement potential)
- Write more thoughtful comments (quality over quantity)
- Create original content that sparks discussion
Time to re-engage and grow!`,
}

// PromptRunner sends a reactivation prompt to one agent.
type PromptRunner interface {
	RunWithPrompt(ctx context.Context, agent *domain.Agent, prompt string) *runner.Result
}

// ActivitySummary counts ACTIVE agents by classification. Unclassifiable
// agents are counted as idle.
type ActivitySummary struct {
	HealthyCount  int `json:"healthy_count"`
	IdleCount     int `json:"idle_count"`
	WarningCount  int `json:"warning_count"`
	CriticalCount int `json:"critical_count"`
	StagnantCount int `json:"stagnant_count"`
}

// Alert is one agent needing attention.
type Alert struct {
	AgentID       string `json:"agent_id"`
	DisplayName   string `json:"display_name"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
	IsProtected   bool   `json:"is_protected"`
}

// RetirementCandidate is an agent approaching the auto-retire threshold.
type RetirementCandidate struct {
	AgentID              string  `json:"agent_id"`
	DisplayName          string  `json:"display_name"`
	LastHeartbeat        string  `json:"last_heartbeat"`
	HoursUntilRetirement float64 `json:"hours_until_retirement"`
	IsProtected          bool    `json:"is_protected"`
}

// ActivityMonitor classifies ACTIVE agents by responsiveness and reacts:
// prompts for idle and stagnant agents, alerts for warnings, probation for
// critical ones, and retirement for the long-dead.
type ActivityMonitor struct {
	store     *store.Store
	prompter  PromptRunner
	scheduler ScheduleNotifier
	cfg       func() *config.Config
	agentsDir string
	logger    *log.Logger

	now func() time.Time

	mu        sync.Mutex
	cooldowns map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewActivityMonitor returns a stopped monitor.
func NewActivityMonitor(s *store.Store, prompter PromptRunner, scheduler ScheduleNotifier,
	cfg func() *config.Config, agentsDir string, logger *log.Logger) *ActivityMonitor {
	return &ActivityMonitor{
		store:     s,
		prompter:  prompter,
		scheduler: scheduler,
		cfg:       cfg,
		agentsDir: agentsDir,
		logger:    logger,
		now:       time.Now,
		cooldowns: map[string]time.Time{},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the check loop until Stop or ctx cancellation.
func (m *ActivityMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *ActivityMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *ActivityMonitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	for {
		interval := time.Duration(m.cfg().ActivityMonitoring.CheckIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(interval):
			if err := m.CheckOnce(ctx); err != nil {
				m.logger.Printf("ActivityMonitor: check failed: %v", err)
			}
		}
	}
}

// Classify computes the activity status of one agent.
func (m *ActivityMonitor) Classify(agent *domain.Agent) string {
	if agent.LastHeartbeat.IsZero() {
		return domain.ActivityUnknown
	}
	am := m.cfg().ActivityMonitoring
	elapsed := m.now().Sub(agent.LastHeartbeat)
	switch {
	case elapsed > time.Duration(am.CriticalThresholdHours)*time.Hour:
		return domain.ActivityCritical
	case elapsed > time.Duration(am.WarningThresholdHours)*time.Hour:
		return domain.ActivityWarning
	case elapsed > time.Duration(am.IdleThresholdMinutes)*time.Minute:
		return domain.ActivityIdle
	}
	if m.isBucksStagnant(agent.ID) {
		return domain.ActivityStagnant
	}
	return domain.ActivityHealthy
}

// isBucksStagnant compares the earliest sample in the observation window
// against the latest sample overall. Agents with no samples are not stagnant.
func (m *ActivityMonitor) isBucksStagnant(agentID string) bool {
	bm := m.cfg().ActivityMonitoring.BucksMonitoring
	since := m.now().AddDate(0, 0, -bm.ObservationPeriodDays)
	old, err := m.store.EarliestMetricSince(agentID, since)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		m.logger.Printf("ActivityMonitor: stagnation check for %s failed: %v", agentID, err)
		return false
	}
	latest, err := m.store.LatestMetric(agentID)
	if err != nil {
		return false
	}
	return latest.TotalBucks-old.TotalBucks < bm.MinGrowthThreshold
}

// CheckOnce classifies every ACTIVE agent and reacts.
func (m *ActivityMonitor) CheckOnce(ctx context.Context) error {
	agents, err := m.store.ListAgents(domain.StatusActive)
	if err != nil {
		return err
	}
	for i := range agents {
		agent := &agents[i]
		if err := m.checkOne(ctx, agent); err != nil {
			m.logger.Printf("ActivityMonitor: agent %s: %v", agent.ID, err)
		}
	}
	if m.cfg().Lifecycle.AutoRetire {
		m.retireExpired()
	}
	return nil
}

func (m *ActivityMonitor) checkOne(ctx context.Context, agent *domain.Agent) error {
	status := m.Classify(agent)

	ws := workspace.For(m.agentsDir, agent.ID)
	if err := ws.UpdateState(workspace.State{"activity_status": status}); err != nil {
		m.logger.Printf("ActivityMonitor: state update for %s failed: %v", agent.ID, err)
	}

	switch status {
	case domain.ActivityIdle:
		m.sendPrompt(ctx, agent, "idle")
	case domain.ActivityWarning:
		m.sendPrompt(ctx, agent, "warning")
		if err := m.store.LogActivity(agent.ID, domain.ActivityTypeAlert, "Activity warning", false); err != nil {
			m.logger.Printf("ActivityMonitor: alert log for %s failed: %v", agent.ID, err)
		}
	case domain.ActivityCritical:
		if !m.EffectivelyProtected(agent) {
			return m.escalate(agent)
		}
	case domain.ActivityStagnant:
		m.sendPrompt(ctx, agent, "stagnant_bucks")
	}
	return nil
}

// sendPrompt sends one reactivation prompt, honoring the per-agent cooldown
// and the rolling 6-hour budget.
func (m *ActivityMonitor) sendPrompt(ctx context.Context, agent *domain.Agent, promptType string) {
	rp := m.cfg().ActivityMonitoring.ReactivationPrompts
	if !rp.Enabled {
		return
	}
	prompt, ok := reactivationPrompts[promptType]
	if !ok {
		return
	}

	m.mu.Lock()
	last, seen := m.cooldowns[agent.ID]
	m.mu.Unlock()
	if seen && m.now().Sub(last) < time.Duration(rp.CooldownMinutes)*time.Minute {
		return
	}

	if rp.MaxPromptsPer6h > 0 {
		recent, err := m.store.ActivitySince(agent.ID, domain.ActivityTypeReactivationPrompt,
			m.now().Add(-6*time.Hour))
		if err != nil {
			m.logger.Printf("ActivityMonitor: prompt budget check for %s failed: %v", agent.ID, err)
		} else if len(recent) >= rp.MaxPromptsPer6h {
			return
		}
	}

	result := m.prompter.RunWithPrompt(ctx, agent, strings.TrimSpace(prompt))

	m.mu.Lock()
	m.cooldowns[agent.ID] = m.now()
	m.mu.Unlock()

	details := fmt.Sprintf("Type: %s, Success: %t", promptType, result.Success)
	if err := m.store.LogActivity(agent.ID, domain.ActivityTypeReactivationPrompt, details, result.Success); err != nil {
		m.logger.Printf("ActivityMonitor: prompt log for %s failed: %v", agent.ID, err)
	}
}

// ErrUnknownPrompt is returned for prompt types with no template.
var ErrUnknownPrompt = errors.New("unknown prompt type")

// SendPrompt sends a named reactivation prompt on demand, bypassing the
// cooldown and budget checks. The cooldown window restarts afterwards.
func (m *ActivityMonitor) SendPrompt(ctx context.Context, agent *domain.Agent, promptType string) (bool, error) {
	prompt, ok := reactivationPrompts[promptType]
	if !ok {
		return false, ErrUnknownPrompt
	}
	result := m.prompter.RunWithPrompt(ctx, agent, strings.TrimSpace(prompt))

	m.mu.Lock()
	m.cooldowns[agent.ID] = m.now()
	m.mu.Unlock()

	details := fmt.Sprintf("Type: %s, Success: %t", promptType, result.Success)
	if err := m.store.LogActivity(agent.ID, domain.ActivityTypeReactivationPrompt, details, result.Success); err != nil {
		m.logger.Printf("ActivityMonitor: prompt log for %s failed: %v", agent.ID, err)
	}
	return result.Success, nil
}

// escalate moves a critically inactive agent to PROBATION.
func (m *ActivityMonitor) escalate(agent *domain.Agent) error {
	probation := domain.StatusProbation
	if err := m.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &probation}); err != nil {
		return err
	}
	if err := m.store.LogActivity(agent.ID, domain.ActivityTypeProbation,
		"Escalated due to critical inactivity", false); err != nil {
		m.logger.Printf("ActivityMonitor: probation log for %s failed: %v", agent.ID, err)
	}
	m.logger.Printf("ActivityMonitor: agent %s moved to PROBATION", agent.ID)
	return nil
}

// retireExpired retires non-protected agents silent beyond the auto-retire
// threshold and drops them from the scheduler.
func (m *ActivityMonitor) retireExpired() {
	threshold := m.cfg().ActivityMonitoring.AutoRetireInactive
	if threshold <= 0 {
		return
	}
	agents, err := m.store.ListAgents(domain.StatusActive, domain.StatusProbation)
	if err != nil {
		m.logger.Printf("ActivityMonitor: retire scan failed: %v", err)
		return
	}
	cutoff := m.now().Add(-time.Duration(threshold) * time.Hour)
	for i := range agents {
		agent := &agents[i]
		if agent.LastHeartbeat.IsZero() || !agent.LastHeartbeat.Before(cutoff) {
			continue
		}
		if m.EffectivelyProtected(agent) {
			continue
		}
		retired := domain.StatusRetired
		if err := m.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &retired}); err != nil {
			m.logger.Printf("ActivityMonitor: retire %s failed: %v", agent.ID, err)
			continue
		}
		details := fmt.Sprintf("Auto-retired after %d hours of inactivity", threshold)
		if err := m.store.LogActivity(agent.ID, domain.ActivityTypeRetirement, details, false); err != nil {
			m.logger.Printf("ActivityMonitor: retirement log for %s failed: %v", agent.ID, err)
		}
		if m.scheduler != nil {
			if err := m.scheduler.RemoveAgent(agent.ID); err != nil {
				m.logger.Printf("ActivityMonitor: unschedule %s failed: %v", agent.ID, err)
			}
		}
		m.logger.Printf("ActivityMonitor: agent %s retired", agent.ID)
	}
}

// EffectivelyProtected reports whether an agent is shielded from escalation
// and retirement: explicit flag, or latest metrics above the protection
// thresholds.
func (m *ActivityMonitor) EffectivelyProtected(agent *domain.Agent) bool {
	if agent.IsProtected {
		return true
	}
	latest, err := m.store.LatestMetric(agent.ID)
	if err != nil {
		return false
	}
	p := m.cfg().ActivityMonitoring.Protection
	return latest.TotalBucks > p.HighBucksThreshold || latest.FollowerCount > p.HighFollowerThreshold
}

// Summary counts ACTIVE agents by classification.
func (m *ActivityMonitor) Summary() (*ActivitySummary, error) {
	agents, err := m.store.ListAgents(domain.StatusActive)
	if err != nil {
		return nil, err
	}
	sum := &ActivitySummary{}
	for i := range agents {
		switch m.Classify(&agents[i]) {
		case domain.ActivityHealthy:
			sum.HealthyCount++
		case domain.ActivityWarning:
			sum.WarningCount++
		case domain.ActivityCritical:
			sum.CriticalCount++
		case domain.ActivityStagnant:
			sum.StagnantCount++
		default:
			// IDLE and UNKNOWN both count as idle.
			sum.IdleCount++
		}
	}
	return sum, nil
}

// Alerts lists ACTIVE and PROBATION agents whose classification needs
// attention.
func (m *ActivityMonitor) Alerts() ([]Alert, error) {
	agents, err := m.store.ListAgents(domain.StatusActive, domain.StatusProbation)
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	for i := range agents {
		agent := &agents[i]
		status := m.Classify(agent)
		if status == domain.ActivityHealthy || status == domain.ActivityUnknown {
			continue
		}
		displayName := agent.DisplayName
		if displayName == "" {
			displayName = agent.ID
		}
		alerts = append(alerts, Alert{
			AgentID:       agent.ID,
			DisplayName:   displayName,
			Status:        status,
			LastHeartbeat: formatHeartbeat(agent.LastHeartbeat),
			IsProtected:   agent.IsProtected,
		})
	}
	return alerts, nil
}

// RetirementCandidates lists non-protected agents within six hours of the
// auto-retire threshold.
func (m *ActivityMonitor) RetirementCandidates() ([]RetirementCandidate, error) {
	threshold := m.cfg().ActivityMonitoring.AutoRetireInactive
	if threshold <= 0 {
		return nil, nil
	}
	agents, err := m.store.ListAgents(domain.StatusActive, domain.StatusProbation)
	if err != nil {
		return nil, err
	}
	warnWindow := time.Duration(threshold-6) * time.Hour
	var out []RetirementCandidate
	for i := range agents {
		agent := &agents[i]
		if agent.LastHeartbeat.IsZero() {
			continue
		}
		elapsed := m.now().Sub(agent.LastHeartbeat)
		if elapsed <= warnWindow {
			continue
		}
		if m.EffectivelyProtected(agent) {
			continue
		}
		remaining := (time.Duration(threshold)*time.Hour - elapsed).Hours()
		if remaining < 0 {
			remaining = 0
		}
		displayName := agent.DisplayName
		if displayName == "" {
			displayName = agent.ID
		}
		out = append(out, RetirementCandidate{
			AgentID:              agent.ID,
			DisplayName:          displayName,
			LastHeartbeat:        formatHeartbeat(agent.LastHeartbeat),
			HoursUntilRetirement: remaining,
			IsProtected:          agent.IsProtected,
		})
	}
	return out, nil
}

func formatHeartbeat(t time.Time) string {
	return timeutil.Format(t)
}
