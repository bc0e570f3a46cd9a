// Package resource samples host CPU, memory, and the loop process table, and
// gates agent admission on the configured thresholds.
package resource

import (
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jaakkos/loopfactory/internal/config"
)

const cpuSampleWindow = 100 * time.Millisecond

// Usage is one snapshot of the host.
type Usage struct {
	CPUPercent        float64
	MemoryUsedMB      float64
	MemoryAvailableMB float64
	MemoryPercent     float64
	RunningProcesses  int
}

// Monitor samples the host. The sample and cpuCount hooks are injectable for
// tests; production code uses gopsutil.
type Monitor struct {
	cfg      func() *config.Config
	logger   *log.Logger
	sample   func() (Usage, error)
	cpuCount func() int
}

// NewMonitor returns a monitor reading thresholds from cfg on every call, so
// config reloads take effect without restarting.
func NewMonitor(cfg func() *config.Config, logger *log.Logger) *Monitor {
	m := &Monitor{cfg: cfg, logger: logger, cpuCount: runtime.NumCPU}
	m.sample = m.sampleHost
	return m
}

func (m *Monitor) sampleHost() (Usage, error) {
	var u Usage
	percents, err := cpu.Percent(cpuSampleWindow, false)
	if err != nil {
		return u, err
	}
	if len(percents) > 0 {
		u.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return u, err
	}
	u.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	u.MemoryAvailableMB = float64(vm.Available) / (1024 * 1024)
	u.MemoryPercent = vm.UsedPercent
	u.RunningProcesses = countLoopProcesses()
	return u, nil
}

// countLoopProcesses scans the process table for loop CLI invocations. The
// count is observational; admission control relies on the scheduler's own
// in-flight counter.
func countLoopProcesses() int {
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, "loop") {
			n++
		}
	}
	return n
}

// CurrentUsage samples the host once.
func (m *Monitor) CurrentUsage() (Usage, error) {
	return m.sample()
}

// CanRunAgent reports whether one more agent may start: CPU below the high
// threshold and enough available memory for one agent.
func (m *Monitor) CanRunAgent() bool {
	u, err := m.sample()
	if err != nil {
		m.logger.Printf("ResourceMonitor: sample failed: %v", err)
		return false
	}
	sys := m.cfg().System
	if u.CPUPercent >= float64(sys.CPUThresholdHigh) {
		return false
	}
	return u.MemoryAvailableMB >= float64(sys.MemoryLimitPerAgent)
}

// ShouldThrottle reports whether CPU has reached the low threshold, at which
// point heartbeat intervals are stretched.
func (m *Monitor) ShouldThrottle() bool {
	u, err := m.sample()
	if err != nil {
		m.logger.Printf("ResourceMonitor: sample failed: %v", err)
		return true
	}
	return u.CPUPercent >= float64(m.cfg().System.CPUThresholdLow)
}

// MaxConcurrentAgents computes the admission ceiling. "auto" derives it from
// available memory with a 0.7 safety factor, capped at twice the CPU count
// and at 20.
func (m *Monitor) MaxConcurrentAgents() int {
	sys := m.cfg().System
	if sys.MaxConcurrentAgents != "" && sys.MaxConcurrentAgents != "auto" {
		if n := parsePositiveInt(sys.MaxConcurrentAgents); n > 0 {
			return n
		}
		m.logger.Printf("ResourceMonitor: bad max_concurrent_agents %q, using auto", sys.MaxConcurrentAgents)
	}
	u, err := m.sample()
	if err != nil {
		m.logger.Printf("ResourceMonitor: sample failed: %v", err)
		return 1
	}
	perAgent := float64(sys.MemoryLimitPerAgent)
	if perAgent <= 0 {
		perAgent = 256
	}
	byMemory := int(u.MemoryAvailableMB / perAgent * 0.7)
	limit := byMemory
	if byCPU := 2 * m.cpuCount(); limit > byCPU {
		limit = byCPU
	}
	if limit > 20 {
		limit = 20
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func parsePositiveInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
