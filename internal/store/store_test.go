package store

import (
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/loopfactory/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factory.db")
	s, err := Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.db")
	logger := log.New(io.Discard, "", 0)
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s, err = Open(path, logger)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()

	// Seeds survive reopening without duplication.
	sites, err := s.ListSites()
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 1 || sites[0].ID != "site_default" {
		t.Errorf("sites = %+v, want single site_default", sites)
	}
	nodes, err := s.ListNodes("")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "node_default" {
		t.Errorf("nodes = %+v, want single node_default", nodes)
	}
}

func TestSeededProfile(t *testing.T) {
	s := openTestStore(t)
	p, err := s.GetProfile("default")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.EnvRef != "default" || p.MCPRef != "default" {
		t.Errorf("profile refs = %q/%q, want default/default", p.EnvRef, p.MCPRef)
	}
	env, err := s.GetProfileEnv("default")
	if err != nil {
		t.Fatalf("GetProfileEnv: %v", err)
	}
	if len(env) != 0 {
		t.Errorf("default env = %v, want empty", env)
	}
	servers, err := s.GetProfileMCP("default")
	if err != nil {
		t.Fatalf("GetProfileMCP: %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("default mcp servers = %v, want empty", servers)
	}
}

func TestAgentCRUD(t *testing.T) {
	s := openTestStore(t)
	a := &domain.Agent{ID: "a1", Name: "alpha", DisplayName: "Alpha", Bio: "first"}
	if err := s.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.Status != domain.StatusDesign {
		t.Errorf("status = %q, want DESIGN", a.Status)
	}
	if a.SiteID != "site_default" || a.NodeID != "node_default" {
		t.Errorf("placement = %q/%q, want defaults", a.SiteID, a.NodeID)
	}

	dup := &domain.Agent{ID: "a2", Name: "alpha"}
	if err := s.CreateAgent(dup); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate name err = %v, want ErrDuplicateName", err)
	}

	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "alpha" || got.DisplayName != "Alpha" {
		t.Errorf("got = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	byName, err := s.GetAgentByName("alpha")
	if err != nil {
		t.Fatalf("GetAgentByName: %v", err)
	}
	if byName.ID != "a1" {
		t.Errorf("byName.ID = %q", byName.ID)
	}

	if _, err := s.GetAgent("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing agent err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateAgent(&domain.Agent{ID: "a1", Name: "alpha"}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateAgent("a1", AgentUpdate{}); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("empty update err = %v, want ErrEmptyUpdate", err)
	}
	if err := s.UpdateAgent("missing", AgentUpdate{Bio: ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing update err = %v, want ErrNotFound", err)
	}

	if err := s.UpdateAgent("a1", AgentUpdate{Status: ptr(domain.StatusActive)}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("status = %q, want ACTIVE", got.Status)
	}
	if got.ActivatedAt.IsZero() {
		t.Error("activated_at not stamped on transition to ACTIVE")
	}
	first := got.ActivatedAt

	// A second transition to ACTIVE keeps the original stamp.
	if err := s.UpdateAgent("a1", AgentUpdate{Status: ptr(domain.StatusActive)}); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.ActivatedAt.Equal(first) {
		t.Errorf("activated_at changed: %v -> %v", first, got.ActivatedAt)
	}

	// Clearing the activation URL writes NULL.
	if err := s.UpdateAgent("a1", AgentUpdate{ActivationURL: ptr("https://example/activate/a1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAgent("a1", AgentUpdate{ActivationURL: ptr("")}); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ActivationURL != "" {
		t.Errorf("activation_url = %q, want cleared", got.ActivationURL)
	}
}

func TestListAgentsByStatus(t *testing.T) {
	s := openTestStore(t)
	for _, a := range []domain.Agent{
		{ID: "a1", Name: "one", Status: domain.StatusActive},
		{ID: "a2", Name: "two", Status: domain.StatusWaiting},
		{ID: "a3", Name: "three", Status: domain.StatusPending},
	} {
		a := a
		if err := s.CreateAgent(&a); err != nil {
			t.Fatal(err)
		}
	}

	waiting, err := s.ListAgents(domain.StatusWaiting, domain.StatusPending)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(waiting) != 2 {
		t.Errorf("waiting = %d agents, want 2", len(waiting))
	}

	n, err := s.CountAgentsByStatus(domain.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}

	ids, err := s.ListAgentIDsByStatus(domain.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("active ids = %v, want [a1]", ids)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateAgent(&domain.Agent{ID: "a1", Name: "alpha"}); err != nil {
		t.Fatal(err)
	}

	next := time.Now().Add(30 * time.Minute)
	err := s.UpsertSchedule("a1", domain.Schedule{
		NextRunAt: next, Policy: "scheduled", Reason: "scheduled",
		IntervalMinutes: 30,
	})
	if err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	runAt := time.Now()
	if err := s.UpdateLastRun("a1", runAt); err != nil {
		t.Fatalf("UpdateLastRun: %v", err)
	}

	// Upsert replaces the decision but keeps last_run_at.
	err = s.UpsertSchedule("a1", domain.Schedule{
		NextRunAt: next.Add(time.Hour), Policy: "backoff",
		Reason: "resource_backoff", Priority: 5, IntervalMinutes: 5,
	})
	if err != nil {
		t.Fatalf("second UpsertSchedule: %v", err)
	}

	sched, err := s.GetSchedule("a1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.Policy != "backoff" || sched.Reason != "resource_backoff" || sched.Priority != 5 {
		t.Errorf("schedule = %+v", sched)
	}
	if sched.LastRunAt.IsZero() {
		t.Error("last_run_at lost on upsert")
	}

	if err := s.DeleteSchedule("a1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted schedule err = %v, want ErrNotFound", err)
	}
}

func TestMetricsQueries(t *testing.T) {
	s := openTestStore(t)
	for _, a := range []domain.Agent{
		{ID: "a1", Name: "one", Status: domain.StatusActive},
		{ID: "a2", Name: "two", Status: domain.StatusActive},
		{ID: "a3", Name: "three", Status: domain.StatusRetired},
	} {
		a := a
		if err := s.CreateAgent(&a); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now()
	samples := []domain.Metric{
		{AgentID: "a1", RecordedAt: now.Add(-72 * time.Hour), TotalBucks: 10, FollowerCount: 1},
		{AgentID: "a1", RecordedAt: now.Add(-24 * time.Hour), TotalBucks: 40, FollowerCount: 3},
		{AgentID: "a1", RecordedAt: now, TotalBucks: 100, FollowerCount: 7, PostCount: 4},
		{AgentID: "a2", RecordedAt: now, TotalBucks: 30, FollowerCount: 2},
		{AgentID: "a3", RecordedAt: now, TotalBucks: 999},
	}
	for _, m := range samples {
		m := m
		if err := s.InsertMetric(&m); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.LatestMetric("a1")
	if err != nil {
		t.Fatalf("LatestMetric: %v", err)
	}
	if latest.TotalBucks != 100 {
		t.Errorf("latest bucks = %d, want 100", latest.TotalBucks)
	}

	old, err := s.MetricBefore("a1", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("MetricBefore: %v", err)
	}
	if old.TotalBucks != 10 {
		t.Errorf("old bucks = %d, want 10", old.TotalBucks)
	}

	earliest, err := s.EarliestMetricSince("a1", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("EarliestMetricSince: %v", err)
	}
	if earliest.TotalBucks != 40 {
		t.Errorf("earliest-in-window bucks = %d, want 40", earliest.TotalBucks)
	}

	history, err := s.MetricsSince("a1", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("MetricsSince: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d samples, want 2", len(history))
	}

	totals, err := s.LatestTotals(domain.StatusActive)
	if err != nil {
		t.Fatalf("LatestTotals: %v", err)
	}
	if totals.TotalBucks != 130 {
		t.Errorf("totals bucks = %d, want 130 (latest per agent, retired excluded)", totals.TotalBucks)
	}
	if totals.AgentsReported != 2 {
		t.Errorf("agents reported = %d, want 2", totals.AgentsReported)
	}

	board, err := s.Leaderboard(0, domain.StatusActive)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("board = %d rows, want 2", len(board))
	}
	if board[0].AgentID != "a1" || board[0].Rank != 1 {
		t.Errorf("top = %+v, want a1 at rank 1", board[0])
	}
	if board[1].AgentID != "a2" || board[1].Rank != 2 {
		t.Errorf("second = %+v, want a2 at rank 2", board[1])
	}

	if _, err := s.LatestMetric("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing metric err = %v, want ErrNotFound", err)
	}
}

func TestActivityLog(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateAgent(&domain.Agent{ID: "a1", Name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		activityType string
		details      string
		success      bool
	}{
		{domain.ActivityTypeHeartbeat, "Success: true, Skills: posting", true},
		{domain.ActivityTypeHeartbeat, "Success: false, Skills: unknown", false},
		{domain.ActivityTypeReactivationPrompt, "Type: idle, Success: true", true},
	}
	for _, e := range entries {
		if err := s.LogActivity("a1", e.activityType, e.details, e.success); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.RecentActivity("a1", 10)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(recent))
	}

	prompts, err := s.ActivitySince("a1", domain.ActivityTypeReactivationPrompt,
		time.Now().Add(-6*time.Hour))
	if err != nil {
		t.Fatalf("ActivitySince: %v", err)
	}
	if len(prompts) != 1 {
		t.Errorf("prompts in window = %d, want 1", len(prompts))
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestStore(t)
	for _, a := range []domain.Agent{
		{ID: "a1", Name: "one", Status: domain.StatusWaiting},
		{ID: "a2", Name: "two", Status: domain.StatusPending},
		{ID: "a3", Name: "three", Status: domain.StatusActive},
	} {
		a := a
		if err := s.CreateAgent(&a); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.InsertPending(id, "https://example/activate/"+id); err != nil {
			t.Fatal(err)
		}
	}

	// Only agents still in the activation window are listed.
	pending, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d rows, want 2", len(pending))
	}

	p := pending[0]
	if err := s.MarkPendingChecked(p.ID); err != nil {
		t.Fatalf("MarkPendingChecked: %v", err)
	}
	got, err := s.GetPendingByAgent(p.AgentID)
	if err != nil {
		t.Fatalf("GetPendingByAgent: %v", err)
	}
	if got.CheckCount != 1 {
		t.Errorf("check_count = %d, want 1", got.CheckCount)
	}
	if got.LastChecked.IsZero() {
		t.Error("last_checked not stamped")
	}

	if err := s.DeletePendingByAgent(p.AgentID); err != nil {
		t.Fatalf("DeletePendingByAgent: %v", err)
	}
	if _, err := s.GetPendingByAgent(p.AgentID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted pending err = %v, want ErrNotFound", err)
	}
}

func TestValidatePlacement(t *testing.T) {
	s := openTestStore(t)
	if err := s.ValidatePlacement("site_default", "node_default"); err != nil {
		t.Errorf("default placement rejected: %v", err)
	}
	if err := s.ValidatePlacement("site_default", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing node err = %v, want ErrNotFound", err)
	}
	if err := s.ValidatePlacement("nope", "node_default"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing site err = %v, want ErrNotFound", err)
	}

	_, err := s.db.Exec("INSERT INTO loop_sites (id, name) VALUES ('site_b', 'B')")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ValidatePlacement("site_b", "node_default"); !errors.Is(err, ErrBadPlacement) {
		t.Errorf("cross-site err = %v, want ErrBadPlacement", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertProfileEnv("research", map[string]string{"LOOP_API_KEY": "k"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfileMCP("research", []map[string]any{
		{"name": "search", "url": "https://mcp.example/search"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(&domain.Profile{
		Name: "research", EnvRef: "research", MCPRef: "research",
		UseMCPDefault: true, SystemPromptMode: "default", Model: "qwen-plus",
	}); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetProfile("research")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if !p.UseMCPDefault || p.Model != "qwen-plus" {
		t.Errorf("profile = %+v", p)
	}
	env, err := s.GetProfileEnv("research")
	if err != nil {
		t.Fatal(err)
	}
	if env["LOOP_API_KEY"] != "k" {
		t.Errorf("env = %v", env)
	}
	servers, err := s.GetProfileMCP("research")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0]["name"] != "search" {
		t.Errorf("servers = %v", servers)
	}
}

func ptr[T any](v T) *T { return &v }
