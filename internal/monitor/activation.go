// Package monitor hosts the background watchers: the activation monitor that
// polls agents waiting for a human click, and the activity monitor that
// classifies responsiveness and nudges or escalates agents.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/store"
)

// activationMarkers indicate a successful activation in CLI output.
var activationMarkers = []string{
	`"status": "active"`,
	"status: active",
	"activated successfully",
}

// IsActivated reports whether CLI output carries an activation indicator.
func IsActivated(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range activationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ActivationProber runs the status-check prompt against one agent.
type ActivationProber interface {
	CheckActivationStatus(ctx context.Context, agent *domain.Agent) *runner.Result
}

// ScheduleNotifier lets monitors hand agents to the scheduler.
type ScheduleNotifier interface {
	AddAgent(agentID string, runImmediately bool) error
	RemoveAgent(agentID string) error
}

// ActivationMonitor polls agents waiting for human activation.
type ActivationMonitor struct {
	store     *store.Store
	prober    ActivationProber
	scheduler ScheduleNotifier
	cfg       func() *config.Config
	logger    *log.Logger

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewActivationMonitor returns a stopped monitor.
func NewActivationMonitor(s *store.Store, prober ActivationProber, scheduler ScheduleNotifier,
	cfg func() *config.Config, logger *log.Logger) *ActivationMonitor {
	return &ActivationMonitor{
		store:     s,
		prober:    prober,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the poll loop until Stop or ctx cancellation.
func (m *ActivationMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *ActivationMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *ActivationMonitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	for {
		interval := time.Duration(m.cfg().Activation.CheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(interval):
			if err := m.CheckOnce(ctx); err != nil {
				m.logger.Printf("ActivationMonitor: check failed: %v", err)
			}
		}
	}
}

// CheckOnce processes every pending activation row.
func (m *ActivationMonitor) CheckOnce(ctx context.Context) error {
	pending, err := m.store.ListPending()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if _, err := m.checkOne(ctx, p); err != nil {
			m.logger.Printf("ActivationMonitor: agent %s: %v", p.AgentID, err)
		}
	}
	return nil
}

// CheckAgent probes one agent's activation on demand. It reports whether the
// probe found the agent activated and promoted it. Agents outside the
// activation window map to store.ErrNotFound.
func (m *ActivationMonitor) CheckAgent(ctx context.Context, agentID string) (bool, error) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return false, err
	}
	if !agent.WaitingForActivation() {
		return false, store.ErrNotFound
	}
	p, err := m.store.GetPendingByAgent(agentID)
	if err != nil {
		return false, err
	}
	return m.checkOne(ctx, *p)
}

func (m *ActivationMonitor) checkOne(ctx context.Context, p domain.PendingActivation) (bool, error) {
	agent, err := m.store.GetAgent(p.AgentID)
	if err != nil {
		return false, err
	}
	if !agent.WaitingForActivation() {
		return false, nil
	}

	maxPending := m.cfg().Activation.MaxPendingHours
	if !p.CreatedAt.IsZero() && m.now().Sub(p.CreatedAt) > time.Duration(maxPending)*time.Hour {
		return false, m.expire(agent, maxPending)
	}

	result := m.prober.CheckActivationStatus(ctx, agent)
	if err := m.store.MarkPendingChecked(p.ID); err != nil {
		m.logger.Printf("ActivationMonitor: mark checked for %s failed: %v", agent.ID, err)
	}
	if !result.Success || !IsActivated(result.Output) {
		return false, nil
	}
	return true, m.activate(agent)
}

// expire rolls a stale pending agent back to DESIGN.
func (m *ActivationMonitor) expire(agent *domain.Agent, maxPendingHours int) error {
	m.logger.Printf("ActivationMonitor: agent %s pending too long, cleaning up", agent.ID)
	design := domain.StatusDesign
	if err := m.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &design}); err != nil {
		return err
	}
	if err := m.store.DeletePendingByAgent(agent.ID); err != nil {
		return err
	}
	details := fmt.Sprintf("Pending activation expired after %d hours", maxPendingHours)
	if err := m.store.LogActivity(agent.ID, domain.ActivityTypePendingTimeout, details, false); err != nil {
		m.logger.Printf("ActivationMonitor: log for %s failed: %v", agent.ID, err)
	}
	return nil
}

// activate promotes the agent to ACTIVE and hands it to the scheduler. The
// activation URL is cleared: it only has meaning while a human click is
// outstanding.
func (m *ActivationMonitor) activate(agent *domain.Agent) error {
	active := domain.StatusActive
	noURL := ""
	if err := m.store.UpdateAgent(agent.ID, store.AgentUpdate{Status: &active, ActivationURL: &noURL}); err != nil {
		return err
	}
	if err := m.store.DeletePendingByAgent(agent.ID); err != nil {
		return err
	}
	if err := m.store.LogActivity(agent.ID, domain.ActivityTypeActivation, "Agent activated by user", true); err != nil {
		m.logger.Printf("ActivationMonitor: log for %s failed: %v", agent.ID, err)
	}
	m.logger.Printf("ActivationMonitor: agent %s activated", agent.ID)
	if m.scheduler != nil {
		if err := m.scheduler.AddAgent(agent.ID, true); err != nil {
			m.logger.Printf("ActivationMonitor: schedule %s failed: %v", agent.ID, err)
		}
	}
	return nil
}
