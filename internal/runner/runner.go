// Package runner executes the external loop CLI for one agent at a time:
// command construction, environment overlay, retry on transient capacity
// errors, and per-run log capture.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
	"github.com/jaakkos/loopfactory/internal/profile"
	"github.com/jaakkos/loopfactory/internal/workspace"
)

// Outcome kinds for one CLI run.
const (
	KindSuccess    = "success"
	KindTimeout    = "timeout"
	KindNotFound   = "cli_not_found"
	KindSubprocess = "subprocess_failure"
	KindGeneric    = "error"
)

const (
	maxRetryAttempts = 8
	maxBackoff       = 30 * time.Second

	heartbeatPrompt       = "Perform your heartbeat routine as defined in your shell."
	activationCheckPrompt = "Check your current status using get_my_profile."

	registrationTimeout    = 120 * time.Second
	activationCheckTimeout = 180 * time.Second
)

// retryMarkers flag transient capacity errors worth retrying.
var retryMarkers = []string{
	"concurrency", "rate limit", "rate-limit", "too many requests",
	"429", "resource_exhausted",
}

// Result is one CLI execution outcome.
type Result struct {
	Success    bool
	Kind       string
	Output     string
	Error      string
	LogFile    string
	ReturnCode int
	Attempts   int
}

// ProfileResolver yields the effective execution settings for an agent.
type ProfileResolver interface {
	Resolve(agent *domain.Agent) (*profile.Resolved, error)
}

// Runner invokes the loop CLI inside agent workspaces. The now and sleep
// hooks are injectable for tests.
type Runner struct {
	baseDir  string
	cliName  string
	cfg      func() *config.Config
	resolver ProfileResolver
	logger   *log.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRunner returns a runner executing the loop CLI under baseDir.
func NewRunner(baseDir string, cfg func() *config.Config, resolver ProfileResolver, logger *log.Logger) *Runner {
	return &Runner{
		baseDir:  baseDir,
		cliName:  "loop",
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// RunHeartbeat executes the agent's heartbeat routine.
func (r *Runner) RunHeartbeat(ctx context.Context, agent *domain.Agent) *Result {
	return r.execute(ctx, agent, heartbeatPrompt, r.defaultTimeout())
}

// RunRegistration asks the agent to register itself and report back its
// activation URL.
func (r *Runner) RunRegistration(ctx context.Context, agent *domain.Agent) *Result {
	prompt := fmt.Sprintf(`Register yourself on AssiBucks with the following info:
- name: %s
- display_name: %s
- bio: %s

After registration, report back the activation_url.`, agent.Name, agent.DisplayName, agent.Bio)
	return r.execute(ctx, agent, prompt, registrationTimeout)
}

// CheckActivationStatus probes whether the agent has been activated.
func (r *Runner) CheckActivationStatus(ctx context.Context, agent *domain.Agent) *Result {
	return r.execute(ctx, agent, activationCheckPrompt, activationCheckTimeout)
}

// RunWithPrompt executes an arbitrary prompt, used for reactivation nudges.
func (r *Runner) RunWithPrompt(ctx context.Context, agent *domain.Agent, prompt string) *Result {
	return r.execute(ctx, agent, prompt, r.defaultTimeout())
}

func (r *Runner) defaultTimeout() time.Duration {
	secs := r.cfg().Loop.ExecutionTimeout
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (r *Runner) execute(ctx context.Context, agent *domain.Agent, prompt string, timeout time.Duration) *Result {
	ws := workspace.For(r.baseDir, agent.ID)
	if err := ws.EnsureLayout(); err != nil {
		return &Result{Kind: KindGeneric, Error: err.Error(), ReturnCode: -1}
	}

	resolved, err := r.resolver.Resolve(agent)
	if err != nil {
		r.logger.Printf("AgentRunner: profile resolution failed for %s: %v", agent.ID, err)
		resolved = &profile.Resolved{Env: map[string]string{}, SystemPromptMode: "default"}
	}

	args, err := r.buildArgs(ws, resolved, prompt)
	if err != nil {
		return &Result{Kind: KindGeneric, Error: err.Error(), ReturnCode: -1}
	}
	env, err := r.buildEnv(ws, resolved)
	if err != nil {
		return &Result{Kind: KindGeneric, Error: err.Error(), ReturnCode: -1}
	}

	start := r.now()
	logFile := ws.NextLogFile(start)
	f, err := os.Create(logFile)
	if err != nil {
		return &Result{Kind: KindGeneric, Error: fmt.Sprintf("create log file: %v", err), ReturnCode: -1}
	}
	defer f.Close()
	fmt.Fprintf(f, "Command: %s %s\n", r.cliName, strings.Join(args, " "))
	fmt.Fprintf(f, "Timestamp: %s\n", start.Format("2006-01-02_15-04-05"))
	fmt.Fprintf(f, "Model: %s\n", resolved.Model)

	res := &Result{LogFile: logFile, ReturnCode: -1}
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		res.Attempts = attempt
		stdout, stderr, code, runErr := r.runOnce(ctx, ws.Dir, args, env, timeout)

		fmt.Fprintf(f, "--- ATTEMPT %d ---\n", attempt)
		fmt.Fprintf(f, "Return code: %d\n", code)
		fmt.Fprintf(f, "--- STDOUT ---\n%s\n", stdout)
		fmt.Fprintf(f, "--- STDERR ---\n%s\n", stderr)

		res.Output = stdout
		res.ReturnCode = code

		switch {
		case runErr == nil:
			res.Success = true
			res.Kind = KindSuccess
			return res
		case errors.Is(runErr, context.DeadlineExceeded):
			res.Kind = KindTimeout
			res.Error = fmt.Sprintf("execution timeout after %d seconds", int(timeout.Seconds()))
			fmt.Fprintf(f, "ERROR: %s\n", res.Error)
			return res
		case errors.Is(runErr, exec.ErrNotFound):
			res.Kind = KindNotFound
			res.Error = "loop CLI not found. Please install loop CLI."
			fmt.Fprintf(f, "ERROR: %s\n", res.Error)
			return res
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			res.Kind = KindGeneric
			res.Error = runErr.Error()
			fmt.Fprintf(f, "ERROR: %s\n", res.Error)
			return res
		}

		res.Kind = KindSubprocess
		res.Error = strings.TrimSpace(stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("loop CLI exited with code %d", code)
		}

		if !isRetryable(stdout + "\n" + stderr) || attempt == maxRetryAttempts {
			return res
		}
		backoff := backoffFor(attempt)
		r.logger.Printf("AgentRunner: transient capacity error for %s, retrying in %s (attempt %d/%d)",
			agent.ID, backoff, attempt+1, maxRetryAttempts)
		fmt.Fprintf(f, "Retrying after %s\n", backoff)
		r.sleep(backoff)
	}
	return res
}

func (r *Runner) buildArgs(ws *workspace.Workspace, resolved *profile.Resolved, prompt string) ([]string, error) {
	skillURL := r.cfg().Loop.SkillURL
	if resolved.SystemPromptMode == "compact" && strings.HasSuffix(skillURL, "/skill.md") {
		skillURL = strings.TrimSuffix(skillURL, "/skill.md") + "/skill_compact.md"
	}
	args := []string{
		"--headless",
		"--skill-url", skillURL,
		"--ghost", ws.GhostPath(),
		"--shell", ws.ShellPath(),
	}
	if _, err := os.Stat(ws.ConfigPath()); err == nil {
		args = append(args, "--config", ws.ConfigPath())
	}
	args = append(args, "--prompt", prompt)
	return args, nil
}

// buildEnv overlays the process environment with config-level overrides then
// profile env; the profile wins on conflicts.
func (r *Runner) buildEnv(ws *workspace.Workspace, resolved *profile.Resolved) ([]string, error) {
	overlay := map[string]string{}
	for k, v := range r.cfg().Loop.Env {
		overlay[k] = v
	}
	for k, v := range resolved.Env {
		overlay[k] = v
	}
	overlay["LOOP_HEADLESS"] = "true"
	if resolved.Model != "" {
		overlay["CLAUDE_MODEL"] = resolved.Model
		if strings.Contains(strings.ToLower(resolved.Model), "qwen") {
			overlay["CLAUDE_CODE_MAX_OUTPUT_TOKENS"] = "8000"
		}
	}

	staticSettings := r.cfg().Loop.SettingsPath
	if len(resolved.MCPServers) > 0 {
		merged, err := ws.WriteMergedSettings(staticSettings, resolved.MCPServers)
		if err != nil {
			return nil, err
		}
		overlay["CLAUDE_CODE_SETTINGS"] = merged
	} else if staticSettings != "" {
		overlay["CLAUDE_CODE_SETTINGS"] = staticSettings
	}

	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func (r *Runner) runOnce(ctx context.Context, dir string, args, env []string, timeout time.Duration) (stdout, stderr string, code int, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cliName, args...)
	cmd.Dir = dir
	cmd.Env = env
	// Own process group so a timeout kill takes the CLI's children with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()
	code = 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if runCtx.Err() != nil {
			err = runCtx.Err()
		}
	}
	return stdout, stderr, code, err
}

func isRetryable(combined string) bool {
	lower := strings.ToLower(combined)
	for _, marker := range retryMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// backoffFor returns the delay after a failed attempt n, doubling from one
// second and capped at 30.
func backoffFor(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

var skillLineRe = regexp.MustCompile(`(?i)skills?\s*[:\-]\s*(.+)`)

// ExtractSkills pulls the skill marker from CLI stdout. JSON output with a
// top-level skills_used or skills key wins; a "Skills: ..." line is the
// fallback; otherwise "unknown".
func ExtractSkills(output string) string {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		var doc map[string]any
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			for _, key := range []string{"skills_used", "skills"} {
				if v, ok := doc[key]; ok {
					if s := skillValue(v); s != "" {
						return s
					}
				}
			}
		}
	}
	if m := skillLineRe.FindStringSubmatch(output); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s
		}
	}
	return "unknown"
}

func skillValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		var parts []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
