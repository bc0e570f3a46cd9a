package resource

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/jaakkos/loopfactory/internal/config"
)

func testMonitor(u Usage, cpus int) *Monitor {
	cfg := config.DefaultConfig()
	m := NewMonitor(func() *config.Config { return cfg }, log.New(io.Discard, "", 0))
	m.sample = func() (Usage, error) { return u, nil }
	m.cpuCount = func() int { return cpus }
	return m
}

func TestCanRunAgent(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  bool
	}{
		{"plenty of headroom", Usage{CPUPercent: 20, MemoryAvailableMB: 4096}, true},
		{"cpu at high threshold", Usage{CPUPercent: 85, MemoryAvailableMB: 4096}, false},
		{"memory too tight", Usage{CPUPercent: 20, MemoryAvailableMB: 128}, false},
		{"exactly one agent of memory", Usage{CPUPercent: 20, MemoryAvailableMB: 256}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testMonitor(tt.usage, 4).CanRunAgent(); got != tt.want {
				t.Errorf("CanRunAgent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldThrottle(t *testing.T) {
	if testMonitor(Usage{CPUPercent: 69}, 4).ShouldThrottle() {
		t.Error("throttled below low threshold")
	}
	if !testMonitor(Usage{CPUPercent: 70}, 4).ShouldThrottle() {
		t.Error("not throttled at low threshold")
	}
}

func TestMaxConcurrentAgentsAuto(t *testing.T) {
	tests := []struct {
		name  string
		avail float64
		cpus  int
		want  int
	}{
		// 2048/256 * 0.7 = 5.6 -> 5, under the 2*cpu cap of 8.
		{"memory bound", 2048, 4, 5},
		// 16384/256 * 0.7 = 44.8 -> capped at 2*cpu = 4.
		{"cpu bound", 16384, 2, 4},
		// 65536/256 * 0.7 = 179 -> 2*cpu = 32 -> hard cap 20.
		{"hard cap", 65536, 16, 20},
		// No memory at all still admits one agent.
		{"floor of one", 0, 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMonitor(Usage{MemoryAvailableMB: tt.avail}, tt.cpus)
			if got := m.MaxConcurrentAgents(); got != tt.want {
				t.Errorf("MaxConcurrentAgents() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMaxConcurrentAgentsExplicit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.System.MaxConcurrentAgents = "3"
	m := NewMonitor(func() *config.Config { return cfg }, log.New(io.Discard, "", 0))
	m.sample = func() (Usage, error) { return Usage{MemoryAvailableMB: 65536}, nil }
	m.cpuCount = func() int { return 16 }
	if got := m.MaxConcurrentAgents(); got != 3 {
		t.Errorf("MaxConcurrentAgents() = %d, want explicit 3", got)
	}
}

func TestControllerCachesWithTTL(t *testing.T) {
	calls := 0
	m := testMonitor(Usage{MemoryAvailableMB: 2048}, 4)
	inner := m.sample
	m.sample = func() (Usage, error) {
		calls++
		return inner()
	}

	now := time.Unix(1000, 0)
	c := NewController(m)
	c.now = func() time.Time { return now }

	if got := c.MaxConcurrent(false); got != 5 {
		t.Fatalf("MaxConcurrent = %d, want 5", got)
	}
	if got := c.MaxConcurrent(false); got != 5 {
		t.Fatalf("cached MaxConcurrent = %d, want 5", got)
	}
	if calls != 1 {
		t.Errorf("samples = %d, want 1 (second call served from cache)", calls)
	}

	now = now.Add(11 * time.Second)
	c.MaxConcurrent(false)
	if calls != 2 {
		t.Errorf("samples = %d, want 2 after TTL expiry", calls)
	}

	c.MaxConcurrent(true)
	if calls != 3 {
		t.Errorf("samples = %d, want 3 after force recalc", calls)
	}
}
