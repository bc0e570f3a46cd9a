// Package scheduler arms one-shot heartbeat timers per agent, gates launches
// on live host resources, and keeps the timer set in sync with the database.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/schedule"
	"github.com/jaakkos/loopfactory/internal/store"
	"github.com/jaakkos/loopfactory/internal/timeutil"
	"github.com/jaakkos/loopfactory/internal/workspace"
)

const (
	syncInterval      = 5 * time.Second
	admissionPollWait = time.Second
	pastRunClamp      = 10 * time.Second

	workerPoolEnv = "LOOPFACTORY_TO_THREAD_WORKERS"
)

// ResourceGate is the live admission check.
type ResourceGate interface {
	CanRunAgent() bool
	ShouldThrottle() bool
}

// HeartbeatExecutor runs one heartbeat end to end.
type HeartbeatExecutor interface {
	ExecuteHeartbeat(ctx context.Context, agent *domain.Agent) *runner.HeartbeatResult
}

// RuntimeStatus is a snapshot of scheduler load.
type RuntimeStatus struct {
	InflightHeartbeats int `json:"inflight_heartbeats"`
	ScheduledJobs      int `json:"scheduled_jobs"`
}

// Scheduler owns the per-agent timers. Admission is strictly serialized under
// admissionMu; executions after admission run concurrently up to the worker
// pool size. A per-agent running flag keeps heartbeats from overlapping.
type Scheduler struct {
	store     *store.Store
	policy    *schedule.Policy
	resources ResourceGate
	executor  HeartbeatExecutor
	agentsDir string
	logger    *log.Logger

	admissionMu sync.Mutex
	sem         chan struct{}

	mu        sync.Mutex
	timers    map[string]*time.Timer
	running   map[string]bool
	inflight  int
	firstSync bool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	now   func() time.Time
	sleep func(time.Duration)
}

// New returns a scheduler. Start must be called before timers fire.
func New(s *store.Store, policy *schedule.Policy, resources ResourceGate,
	executor HeartbeatExecutor, agentsDir string, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		policy:    policy,
		resources: resources,
		executor:  executor,
		agentsDir: agentsDir,
		logger:    logger,
		sem:       make(chan struct{}, workerPoolSize(logger)),
		timers:    map[string]*time.Timer{},
		running:   map[string]bool{},
		firstSync: true,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// workerPoolSize derives the execution pool size from the CPU count, with an
// env override clipped to 1..1024.
func workerPoolSize(logger *log.Logger) int {
	size := runtime.NumCPU() * 16
	if size < 64 {
		size = 64
	}
	if size > 1024 {
		size = 1024
	}
	if raw := os.Getenv(workerPoolEnv); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			logger.Printf("Scheduler: bad %s=%q, using %d", workerPoolEnv, raw, size)
			return size
		}
		if n < 1 {
			logger.Printf("Scheduler: %s=%d below minimum, using 1", workerPoolEnv, n)
			n = 1
		}
		if n > 1024 {
			logger.Printf("Scheduler: %s=%d above maximum, using 1024", workerPoolEnv, n)
			n = 1024
		}
		size = n
	}
	return size
}

// Start launches the auto-sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.syncLoop()
}

// Stop cancels auto-sync and disarms every timer. In-flight heartbeats are
// not awaited.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) syncLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		if err := s.SyncOnce(); err != nil {
			s.logger.Printf("Scheduler: sync failed: %v", err)
		}
		select {
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce reconciles the timer set against ACTIVE agents in the database.
// The first pass schedules without immediate runs so a restart does not fire
// every agent at once.
func (s *Scheduler) SyncOnce() error {
	ids, err := s.store.ListAgentIDsByStatus(domain.StatusActive)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}

	s.mu.Lock()
	first := s.firstSync
	s.firstSync = false
	var toAdd, toRemove []string
	for id := range active {
		if _, ok := s.timers[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range s.timers {
		if !active[id] {
			toRemove = append(toRemove, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toAdd {
		if err := s.AddAgent(id, !first); err != nil {
			s.logger.Printf("Scheduler: add %s failed: %v", id, err)
		}
	}
	for _, id := range toRemove {
		if err := s.RemoveAgent(id); err != nil {
			s.logger.Printf("Scheduler: remove %s failed: %v", id, err)
		}
	}
	return nil
}

// AddAgent computes a next-run decision, persists it, and arms the timer.
// When runImmediately is set, a heartbeat is also launched right away.
func (s *Scheduler) AddAgent(agentID string, runImmediately bool) error {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	decision := s.policy.DecideNextRun(agent, false)
	if err := s.store.UpsertSchedule(agentID, decision.Schedule()); err != nil {
		return err
	}
	s.armTimer(agentID, decision.NextRunAt)
	s.logger.Printf("Scheduler: scheduled %s in %dm (reason=%s)",
		agentID, decision.IntervalMinutes, decision.Reason)
	if runImmediately {
		go s.runHeartbeat(agentID)
	}
	return nil
}

// RemoveAgent disarms the timer and drops the schedule row.
func (s *Scheduler) RemoveAgent(agentID string) error {
	s.mu.Lock()
	if t, ok := s.timers[agentID]; ok {
		t.Stop()
		delete(s.timers, agentID)
	}
	s.mu.Unlock()
	return s.store.DeleteSchedule(agentID)
}

// armTimer replaces any pending timer for the agent. Past deadlines are
// clamped a short distance into the future.
func (s *Scheduler) armTimer(agentID string, at time.Time) {
	delay := at.Sub(s.now())
	if delay <= 0 {
		delay = pastRunClamp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[agentID]; ok {
		t.Stop()
	}
	s.timers[agentID] = time.AfterFunc(delay, func() {
		s.runHeartbeat(agentID)
	})
}

// Status reports current load.
func (s *Scheduler) Status() RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RuntimeStatus{
		InflightHeartbeats: s.inflight,
		ScheduledJobs:      len(s.timers),
	}
}

// runHeartbeat is the critical path for one agent's heartbeat.
func (s *Scheduler) runHeartbeat(agentID string) {
	s.mu.Lock()
	if s.running[agentID] {
		s.mu.Unlock()
		return
	}
	s.running[agentID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, agentID)
		s.mu.Unlock()
	}()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case s.sem <- struct{}{}:
	case <-s.stopCh:
		return
	}
	defer func() { <-s.sem }()

	if !s.admit(ctx) {
		return
	}
	granted := true
	defer func() {
		if granted {
			s.releaseSlot()
		}
	}()

	// Defensive re-check after the admission gate.
	if !s.resources.CanRunAgent() {
		s.backOff(agentID)
		return
	}

	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		s.logger.Printf("Scheduler: agent %s vanished before heartbeat: %v", agentID, err)
		_ = s.RemoveAgent(agentID)
		return
	}

	result := s.executor.ExecuteHeartbeat(ctx, agent)
	s.releaseSlot()
	granted = false

	s.recordHeartbeat(agent, result)

	// recordHeartbeat may have rewritten activity_status; the next interval
	// must reflect the fresh row.
	if fresh, err := s.store.GetAgent(agentID); err == nil {
		agent = fresh
	}

	throttled := s.resources.ShouldThrottle()
	decision := s.policy.DecideNextRun(agent, throttled)
	if err := s.store.UpsertSchedule(agentID, decision.Schedule()); err != nil {
		s.logger.Printf("Scheduler: reschedule %s failed: %v", agentID, err)
		return
	}
	s.armTimer(agentID, decision.NextRunAt)
}

// admit serializes launches: one goroutine at a time polls the resource gate
// until a slot opens, then takes it.
func (s *Scheduler) admit(ctx context.Context) bool {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	for !s.resources.CanRunAgent() {
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		s.sleep(admissionPollWait)
	}
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return true
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// backOff defers the agent a short fixed interval when resources disappeared
// between admission and launch.
func (s *Scheduler) backOff(agentID string) {
	decision := s.policy.DecideBackoff(5)
	if err := s.store.UpsertSchedule(agentID, decision.Schedule()); err != nil {
		s.logger.Printf("Scheduler: backoff upsert for %s failed: %v", agentID, err)
		return
	}
	s.armTimer(agentID, decision.NextRunAt)
	s.logger.Printf("Scheduler: resources tight, backed off %s by %dm", agentID, decision.IntervalMinutes)
}

// recordHeartbeat persists the outcome: agent row, activity log, schedule
// last_run, and the workspace state mirror.
func (s *Scheduler) recordHeartbeat(agent *domain.Agent, result *runner.HeartbeatResult) {
	now := s.now()
	if err := s.store.UpdateAgent(agent.ID, store.AgentUpdate{LastHeartbeat: &now}); err != nil {
		s.logger.Printf("Scheduler: stamp last_heartbeat for %s failed: %v", agent.ID, err)
	}
	details := fmt.Sprintf("Success: %t, Skills: %s", result.Success, result.SkillsUsed)
	if err := s.store.LogActivity(agent.ID, domain.ActivityTypeHeartbeat, details, result.Success); err != nil {
		s.logger.Printf("Scheduler: activity log for %s failed: %v", agent.ID, err)
	}
	if err := s.store.UpdateLastRun(agent.ID, now); err != nil {
		s.logger.Printf("Scheduler: last_run for %s failed: %v", agent.ID, err)
	}

	ws := workspace.For(s.agentsDir, agent.ID)
	state, err := ws.State()
	if err != nil {
		s.logger.Printf("Scheduler: read state for %s failed: %v", agent.ID, err)
		state = workspace.State{}
	}
	updates := workspace.State{
		"last_heartbeat":   timeutil.Format(now),
		"heartbeat_count":  stateInt(state, "heartbeat_count") + 1,
		"last_skills_used": result.SkillsUsed,
	}

	if result.Success {
		updates["consecutive_failures"] = 0
	} else {
		failures := stateInt(state, "consecutive_failures") + 1
		updates["consecutive_failures"] = failures
		updates["activity_status"] = domain.ActivityIdle
		idle := domain.ActivityIdle
		if err := s.store.UpdateAgent(agent.ID, store.AgentUpdate{ActivityStatus: &idle}); err != nil {
			s.logger.Printf("Scheduler: mark %s idle failed: %v", agent.ID, err)
		}
		if failures >= 5 {
			s.logger.Printf("Scheduler: ERROR agent %s has %d consecutive heartbeat failures (last: %s)",
				agent.ID, failures, result.Error)
		}
	}

	if err := ws.UpdateState(updates); err != nil {
		s.logger.Printf("Scheduler: update state for %s failed: %v", agent.ID, err)
	}
}

func stateInt(state workspace.State, key string) int {
	switch v := state[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
