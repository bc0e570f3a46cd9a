// Package schedule decides when each agent's next heartbeat runs.
package schedule

import (
	"math/rand"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
	"github.com/jaakkos/loopfactory/internal/domain"
)

// Policy names written to the schedule row.
const (
	PolicyHeartbeat = "heartbeat"
	PolicyBackoff   = "backoff"
)

// Reasons written to the schedule row.
const (
	ReasonScheduled       = "scheduled"
	ReasonThrottled       = "throttled"
	ReasonResourceBackoff = "resource_backoff"
)

// Decision is one computed next run.
type Decision struct {
	NextRunAt       time.Time
	IntervalMinutes int
	Policy          string
	Reason          string
	Priority        int
}

// Schedule converts a decision into the persisted row shape.
func (d Decision) Schedule() domain.Schedule {
	return domain.Schedule{
		NextRunAt:       d.NextRunAt,
		Policy:          d.Policy,
		Reason:          d.Reason,
		Priority:        d.Priority,
		IntervalMinutes: d.IntervalMinutes,
	}
}

// Policy computes heartbeat intervals from the live config. The now and
// randInt hooks are injectable for tests.
type Policy struct {
	cfg     func() *config.Config
	now     func() time.Time
	randInt func(n int) int
}

// NewPolicy returns a policy reading scheduling settings from cfg on every
// decision.
func NewPolicy(cfg func() *config.Config) *Policy {
	return &Policy{cfg: cfg, now: time.Now, randInt: rand.Intn}
}

// baseInterval derives the interval in minutes. Lifecycle status adjusts
// first, then activity classification, then throttling, then jitter. The
// floor of 5 minutes always holds.
func (p *Policy) baseInterval(agent *domain.Agent, throttled bool) int {
	sched := p.cfg().Scheduling
	interval := sched.BaseIntervalMinutes

	status := domain.StatusActive
	activityStatus := ""
	if agent != nil {
		status = agent.Status
		activityStatus = agent.ActivityStatus
	}

	switch status {
	case domain.StatusProbation, domain.StatusPending:
		interval = maxInt(5, interval/2)
	case domain.StatusDesign:
		interval = 2 * interval
	}

	switch activityStatus {
	case domain.ActivityWarning, domain.ActivityCritical:
		interval = maxInt(5, interval/2)
	case domain.ActivityIdle:
		interval = maxInt(5, int(float64(interval)*0.75))
	}

	if throttled {
		interval = int(float64(interval) * 1.5)
	}

	if jitter := sched.JitterMinutes; jitter > 0 {
		interval += p.randInt(jitter + 1)
	}

	return maxInt(5, interval)
}

// DecideNextRun computes the next heartbeat. Active agents get a slightly
// higher priority than agents in other states.
func (p *Policy) DecideNextRun(agent *domain.Agent, throttled bool) Decision {
	interval := p.baseInterval(agent, throttled)
	reason := ReasonScheduled
	if throttled {
		reason = ReasonThrottled
	}
	priority := 0
	if agent != nil && agent.Status == domain.StatusActive {
		priority = -1
	}
	return Decision{
		NextRunAt:       p.now().Add(time.Duration(interval) * time.Minute),
		IntervalMinutes: interval,
		Policy:          PolicyHeartbeat,
		Reason:          reason,
		Priority:        priority,
	}
}

// DecideBackoff returns a short deferral used when host resources are tight.
func (p *Policy) DecideBackoff(minutes int) Decision {
	interval := maxInt(1, minutes)
	return Decision{
		NextRunAt:       p.now().Add(time.Duration(interval) * time.Minute),
		IntervalMinutes: interval,
		Policy:          PolicyBackoff,
		Reason:          ReasonResourceBackoff,
		Priority:        5,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
