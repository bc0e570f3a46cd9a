package monitor

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/runner"
	"github.com/jaakkos/loopfactory/internal/store"
	"github.com/jaakkos/loopfactory/internal/workspace"
)

type fakeProber struct {
	result *runner.Result
	calls  int
}

func (p *fakeProber) CheckActivationStatus(context.Context, *domain.Agent) *runner.Result {
	p.calls++
	return p.result
}

type fakePrompter struct {
	mu      sync.Mutex
	prompts []string
}

func (p *fakePrompter) RunWithPrompt(_ context.Context, _ *domain.Agent, prompt string) *runner.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return &runner.Result{Success: true, Kind: runner.KindSuccess}
}

func (p *fakePrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type fakeNotifier struct {
	added   []string
	removed []string
}

func (n *fakeNotifier) AddAgent(id string, _ bool) error {
	n.added = append(n.added, id)
	return nil
}

func (n *fakeNotifier) RemoveAgent(id string) error {
	n.removed = append(n.removed, id)
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "factory.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsActivated(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{`{"status": "active", "name": "alpha"}`, true},
		{"Status: ACTIVE", true},
		{"Your account was Activated Successfully!", true},
		{`{"status": "pending"}`, false},
		{"still waiting for activation", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsActivated(tt.output); got != tt.want {
			t.Errorf("IsActivated(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func newActivationMonitor(t *testing.T, s *store.Store, prober ActivationProber, n ScheduleNotifier) *ActivationMonitor {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewActivationMonitor(s, prober, n, func() *config.Config { return cfg },
		log.New(io.Discard, "", 0))
}

func TestActivationPromotesAgent(t *testing.T) {
	s := testStore(t)
	if err := s.CreateAgent(&domain.Agent{
		ID: "a1", Name: "alpha", Status: domain.StatusWaiting,
		ActivationURL: "https://example/activate/a1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPending("a1", "https://example/activate/a1"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{result: &runner.Result{Success: true, Output: `{"status": "active"}`}}
	notifier := &fakeNotifier{}
	m := newActivationMonitor(t, s, prober, notifier)

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	agent, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.StatusActive {
		t.Errorf("status = %q, want ACTIVE", agent.Status)
	}
	if agent.ActivatedAt.IsZero() {
		t.Error("activated_at not stamped")
	}
	if agent.ActivationURL != "" {
		t.Errorf("activation_url = %q, want cleared", agent.ActivationURL)
	}
	if _, err := s.GetPendingByAgent("a1"); err != store.ErrNotFound {
		t.Errorf("pending err = %v, want ErrNotFound", err)
	}
	if len(notifier.added) != 1 || notifier.added[0] != "a1" {
		t.Errorf("scheduler adds = %v", notifier.added)
	}

	entries, err := s.RecentActivity("a1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ActivityType != domain.ActivityTypeActivation {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Details != "Agent activated by user" {
		t.Errorf("details = %q", entries[0].Details)
	}
}

func TestActivationStillPendingIncrementsCheckCount(t *testing.T) {
	s := testStore(t)
	if err := s.CreateAgent(&domain.Agent{ID: "a1", Name: "alpha", Status: domain.StatusPending}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPending("a1", "https://example/activate/a1"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{result: &runner.Result{Success: true, Output: `{"status": "pending"}`}}
	m := newActivationMonitor(t, s, prober, &fakeNotifier{})

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	agent, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.StatusPending {
		t.Errorf("status = %q, want still PENDING", agent.Status)
	}
	p, err := s.GetPendingByAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CheckCount != 1 {
		t.Errorf("check_count = %d, want 1", p.CheckCount)
	}
}

func TestActivationExpiryRollsBackToDesign(t *testing.T) {
	s := testStore(t)
	if err := s.CreateAgent(&domain.Agent{ID: "a1", Name: "alpha", Status: domain.StatusWaiting}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPending("a1", "https://example/activate/a1"); err != nil {
		t.Fatal(err)
	}

	prober := &fakeProber{result: &runner.Result{Success: true, Output: `{"status": "active"}`}}
	m := newActivationMonitor(t, s, prober, &fakeNotifier{})
	// Move the clock past max_pending_hours (12).
	m.now = func() time.Time { return time.Now().Add(13 * time.Hour) }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if prober.calls != 0 {
		t.Errorf("prober calls = %d, want 0 for expired pending", prober.calls)
	}
	agent, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.StatusDesign {
		t.Errorf("status = %q, want DESIGN", agent.Status)
	}
	if _, err := s.GetPendingByAgent("a1"); err != store.ErrNotFound {
		t.Errorf("pending err = %v, want ErrNotFound", err)
	}
	entries, err := s.RecentActivity("a1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ActivityType != domain.ActivityTypePendingTimeout {
		t.Errorf("entries = %+v", entries)
	}
	if want := "Pending activation expired after 12 hours"; entries[0].Details != want {
		t.Errorf("details = %q, want %q", entries[0].Details, want)
	}
}

func newActivityMonitor(t *testing.T, s *store.Store, prompter PromptRunner, n ScheduleNotifier,
	agentsDir string, mutate func(*config.Config)) *ActivityMonitor {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return NewActivityMonitor(s, prompter, n, func() *config.Config { return cfg },
		agentsDir, log.New(io.Discard, "", 0))
}

func activeAgent(t *testing.T, s *store.Store, agentsDir, id string, lastHeartbeat time.Time) {
	t.Helper()
	a := &domain.Agent{ID: id, Name: id, Status: domain.StatusActive, LastHeartbeat: lastHeartbeat}
	if err := s.CreateAgent(a); err != nil {
		t.Fatal(err)
	}
	if agentsDir != "" {
		if _, err := workspace.Create(agentsDir, id, "g", "s", time.Now()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestClassify(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, "", nil)
	m.now = func() time.Time { return now }

	tests := []struct {
		name  string
		agent *domain.Agent
		want  string
	}{
		{"no heartbeat", &domain.Agent{ID: "x"}, domain.ActivityUnknown},
		{"critical", &domain.Agent{ID: "x", LastHeartbeat: now.Add(-7 * time.Hour)}, domain.ActivityCritical},
		{"warning", &domain.Agent{ID: "x", LastHeartbeat: now.Add(-4 * time.Hour)}, domain.ActivityWarning},
		{"idle", &domain.Agent{ID: "x", LastHeartbeat: now.Add(-2 * time.Hour)}, domain.ActivityIdle},
		{"healthy no metrics", &domain.Agent{ID: "x", LastHeartbeat: now.Add(-10 * time.Minute)}, domain.ActivityHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Classify(tt.agent); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyStagnantBucks(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	activeAgent(t, s, "", "a1", now.Add(-10*time.Minute))
	activeAgent(t, s, "", "a2", now.Add(-10*time.Minute))

	// a1 grew by 5 over the window (< 10): stagnant. a2 grew by 40: healthy.
	for _, m := range []domain.Metric{
		{AgentID: "a1", RecordedAt: now.Add(-72 * time.Hour), TotalBucks: 100},
		{AgentID: "a1", RecordedAt: now, TotalBucks: 105},
		{AgentID: "a2", RecordedAt: now.Add(-72 * time.Hour), TotalBucks: 100},
		{AgentID: "a2", RecordedAt: now, TotalBucks: 140},
	} {
		m := m
		if err := s.InsertMetric(&m); err != nil {
			t.Fatal(err)
		}
	}

	mon := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, "", nil)
	mon.now = func() time.Time { return now }

	a1, _ := s.GetAgent("a1")
	if got := mon.Classify(a1); got != domain.ActivityStagnant {
		t.Errorf("a1 = %q, want STAGNANT", got)
	}
	a2, _ := s.GetAgent("a2")
	if got := mon.Classify(a2); got != domain.ActivityHealthy {
		t.Errorf("a2 = %q, want HEALTHY", got)
	}
}

func TestIdlePromptWithCooldown(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	// 95 minutes stays IDLE even after the cooldown advance below.
	activeAgent(t, s, dir, "a1", now.Add(-95*time.Minute))

	prompter := &fakePrompter{}
	m := newActivityMonitor(t, s, prompter, &fakeNotifier{}, dir, nil)
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if prompter.count() != 1 {
		t.Fatalf("prompts = %d, want 1", prompter.count())
	}

	// Within the cooldown window nothing more is sent.
	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if prompter.count() != 1 {
		t.Errorf("prompts = %d, want still 1 inside cooldown", prompter.count())
	}

	// After the cooldown the prompt fires again.
	m.now = func() time.Time { return now.Add(61 * time.Minute) }
	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if prompter.count() != 2 {
		t.Errorf("prompts = %d, want 2 after cooldown", prompter.count())
	}

	entries, err := s.ActivitySince("a1", domain.ActivityTypeReactivationPrompt, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[0].Details != "Type: idle, Success: true" {
		t.Errorf("entries = %+v", entries)
	}

	state, err := workspace.For(dir, "a1").State()
	if err != nil {
		t.Fatal(err)
	}
	if state["activity_status"] != domain.ActivityIdle {
		t.Errorf("state activity_status = %v, want IDLE", state["activity_status"])
	}
}

func TestPromptsDisabled(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	activeAgent(t, s, dir, "a1", now.Add(-2*time.Hour))

	prompter := &fakePrompter{}
	m := newActivityMonitor(t, s, prompter, &fakeNotifier{}, dir, func(c *config.Config) {
		c.ActivityMonitoring.ReactivationPrompts.Enabled = false
	})
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if prompter.count() != 0 {
		t.Errorf("prompts = %d, want 0 when disabled", prompter.count())
	}
}

func TestWarningLogsAlert(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	activeAgent(t, s, dir, "a1", now.Add(-4*time.Hour))

	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, dir, nil)
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	alerts, err := s.ActivitySince("a1", domain.ActivityTypeAlert, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Details != "Activity warning" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestCriticalEscalatesUnlessProtected(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	activeAgent(t, s, dir, "a1", now.Add(-7*time.Hour))
	activeAgent(t, s, dir, "a2", now.Add(-7*time.Hour))
	if err := s.UpdateAgent("a2", store.AgentUpdate{IsProtected: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}

	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, dir, func(c *config.Config) {
		c.Lifecycle.AutoRetire = false
	})
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	a1, _ := s.GetAgent("a1")
	if a1.Status != domain.StatusProbation {
		t.Errorf("a1 status = %q, want PROBATION", a1.Status)
	}
	a2, _ := s.GetAgent("a2")
	if a2.Status != domain.StatusActive {
		t.Errorf("a2 status = %q, want protected ACTIVE", a2.Status)
	}

	entries, err := s.ActivitySince("a1", domain.ActivityTypeProbation, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Details != "Escalated due to critical inactivity" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMetricProtectionBlocksEscalation(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	activeAgent(t, s, dir, "a1", now.Add(-7*time.Hour))
	if err := s.InsertMetric(&domain.Metric{AgentID: "a1", RecordedAt: now, TotalBucks: 2000}); err != nil {
		t.Fatal(err)
	}

	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, dir, func(c *config.Config) {
		c.Lifecycle.AutoRetire = false
	})
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	a1, _ := s.GetAgent("a1")
	if a1.Status != domain.StatusActive {
		t.Errorf("status = %q, want ACTIVE (high bucks protect)", a1.Status)
	}
}

func TestAutoRetire(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()
	now := time.Now()
	activeAgent(t, s, dir, "a1", now.Add(-20*time.Hour))

	notifier := &fakeNotifier{}
	m := newActivityMonitor(t, s, &fakePrompter{}, notifier, dir, nil)
	m.now = func() time.Time { return now }

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	a1, _ := s.GetAgent("a1")
	if a1.Status != domain.StatusRetired {
		t.Fatalf("status = %q, want RETIRED", a1.Status)
	}
	if a1.RetiredAt.IsZero() {
		t.Error("retired_at not stamped")
	}
	if len(notifier.removed) != 1 || notifier.removed[0] != "a1" {
		t.Errorf("scheduler removals = %v", notifier.removed)
	}
	entries, err := s.ActivitySince("a1", domain.ActivityTypeRetirement, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("retirement entries = %+v", entries)
	}
}

func TestSummaryAndAlerts(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	activeAgent(t, s, "", "healthy", now.Add(-10*time.Minute))
	activeAgent(t, s, "", "idle", now.Add(-2*time.Hour))
	activeAgent(t, s, "", "warning", now.Add(-4*time.Hour))
	activeAgent(t, s, "", "unknown", time.Time{})

	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, "", nil)
	m.now = func() time.Time { return now }

	sum, err := m.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if sum.HealthyCount != 1 || sum.WarningCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
	// UNKNOWN lands in the idle bucket alongside the idle agent.
	if sum.IdleCount != 2 {
		t.Errorf("idle count = %d, want 2", sum.IdleCount)
	}

	alerts, err := m.Alerts()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v, want idle and warning only", alerts)
	}
}

func TestRetirementCandidates(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	activeAgent(t, s, "", "near", now.Add(-13*time.Hour))
	activeAgent(t, s, "", "fresh", now.Add(-1*time.Hour))

	m := newActivityMonitor(t, s, &fakePrompter{}, &fakeNotifier{}, "", nil)
	m.now = func() time.Time { return now }

	candidates, err := m.RetirementCandidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].AgentID != "near" {
		t.Fatalf("candidates = %+v", candidates)
	}
	got := candidates[0].HoursUntilRetirement
	if got < 4.9 || got > 5.1 {
		t.Errorf("hours until retirement = %f, want ~5", got)
	}
}

func boolPtr(b bool) *bool { return &b }
