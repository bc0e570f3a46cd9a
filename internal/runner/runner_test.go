package runner

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/profile"
)

type staticResolver struct {
	res *profile.Resolved
}

func (r staticResolver) Resolve(*domain.Agent) (*profile.Resolved, error) {
	if r.res != nil {
		return r.res, nil
	}
	return &profile.Resolved{Env: map[string]string{}, SystemPromptMode: "default"}, nil
}

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-loop")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRunner(t *testing.T, cliPath string, resolved *profile.Resolved) *Runner {
	t.Helper()
	cfg := config.DefaultConfig()
	r := NewRunner(t.TempDir(), func() *config.Config { return cfg },
		staticResolver{res: resolved}, log.New(io.Discard, "", 0))
	if cliPath != "" {
		r.cliName = cliPath
	}
	return r
}

func TestRunHeartbeatSuccess(t *testing.T) {
	script := writeScript(t, `echo '{"skills_used": ["posting", "commenting"]}'`)
	r := testRunner(t, script, nil)
	agent := &domain.Agent{ID: "a1", Name: "alpha"}

	res := r.RunHeartbeat(context.Background(), agent)
	if !res.Success || res.Kind != KindSuccess {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.LogFile == "" {
		t.Fatal("no log file recorded")
	}
	data, err := os.ReadFile(res.LogFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"Command:", "--headless", "ATTEMPT 1", "skills_used"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestEnvironmentOverlay(t *testing.T) {
	script := writeScript(t, `echo "headless=$LOOP_HEADLESS model=$CLAUDE_MODEL tokens=$CLAUDE_CODE_MAX_OUTPUT_TOKENS key=$LOOP_API_KEY"`)
	resolved := &profile.Resolved{
		Env:              map[string]string{"LOOP_API_KEY": "k"},
		SystemPromptMode: "default",
		Model:            "qwen-plus",
	}
	r := testRunner(t, script, resolved)

	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	want := "headless=true model=qwen-plus tokens=8000 key=k"
	if !strings.Contains(res.Output, want) {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestCompactModeRewritesSkillURL(t *testing.T) {
	script := writeScript(t, `echo "$@"`)
	resolved := &profile.Resolved{Env: map[string]string{}, SystemPromptMode: "compact"}
	r := testRunner(t, script, resolved)

	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "/skill_compact.md") {
		t.Errorf("args = %q, want compact skill url", res.Output)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	script := writeScript(t, `echo "Error: 429 too many requests" >&2; exit 1`)
	r := testRunner(t, script, nil)

	var sleeps []time.Duration
	r.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if res.Success || res.Kind != KindSubprocess {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 8 {
		t.Errorf("attempts = %d, want 8", res.Attempts)
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestNonRetryableFailureReturnsImmediately(t *testing.T) {
	script := writeScript(t, `echo "boom: invalid ghost file" >&2; exit 2`)
	r := testRunner(t, script, nil)

	slept := false
	r.sleep = func(time.Duration) { slept = true }

	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if res.Success || res.Kind != KindSubprocess {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if slept {
		t.Error("slept on a non-retryable failure")
	}
	if res.ReturnCode != 2 {
		t.Errorf("return code = %d, want 2", res.ReturnCode)
	}
}

func TestTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	cfg := config.DefaultConfig()
	cfg.Loop.ExecutionTimeout = 1
	r := NewRunner(t.TempDir(), func() *config.Config { return cfg },
		staticResolver{}, log.New(io.Discard, "", 0))
	r.cliName = script

	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if res.Success || res.Kind != KindTimeout {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "timeout") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestCLINotFound(t *testing.T) {
	r := testRunner(t, "loop-cli-definitely-missing", nil)
	res := r.RunHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if res.Success || res.Kind != KindNotFound {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistrationPromptCarriesIdentity(t *testing.T) {
	script := writeScript(t, `echo "$@"`)
	r := testRunner(t, script, nil)
	agent := &domain.Agent{ID: "a1", Name: "alpha", DisplayName: "Alpha", Bio: "first of many"}

	res := r.RunRegistration(context.Background(), agent)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	for _, want := range []string{"alpha", "Alpha", "first of many", "activation_url"} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestExtractSkills(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"json list", `{"skills_used": ["a", "b"]}`, "a, b"},
		{"json string", `{"skills": "posting"}`, "posting"},
		{"skills line", "done\nSkills: search, reply\n", "search, reply"},
		{"skill dash line", "skill - browsing", "browsing"},
		{"case insensitive", "SKILLS: voting", "voting"},
		{"nothing", "plain output", "unknown"},
		{"empty", "", "unknown"},
		{"json without keys falls through", `{"status": "ok"}` + "\nskills: x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSkills(tt.output); got != tt.want {
				t.Errorf("ExtractSkills(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}

func TestHeartbeatManagerPackagesSkills(t *testing.T) {
	script := writeScript(t, `echo 'Skills: posting'`)
	r := testRunner(t, script, nil)
	hm := NewHeartbeatManager(r)

	res := hm.ExecuteHeartbeat(context.Background(), &domain.Agent{ID: "a1"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.SkillsUsed != "posting" {
		t.Errorf("skills = %q, want posting", res.SkillsUsed)
	}
}
