package resource

import (
	"sync"
	"time"
)

const maxConcurrentTTL = 10 * time.Second

// Controller caches the admission ceiling so the process table is not
// re-scanned on every heartbeat.
type Controller struct {
	monitor *Monitor
	now     func() time.Time

	mu        sync.Mutex
	cached    int
	cachedAt  time.Time
	haveCache bool
}

// NewController wraps a monitor with a short-lived cache.
func NewController(monitor *Monitor) *Controller {
	return &Controller{monitor: monitor, now: time.Now}
}

// MaxConcurrent returns the cached ceiling, recomputing when the cache has
// expired or forceRecalc is set. The result is never below 1.
func (c *Controller) MaxConcurrent(forceRecalc bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !forceRecalc && c.haveCache && c.now().Sub(c.cachedAt) < maxConcurrentTTL {
		return c.cached
	}
	n := c.monitor.MaxConcurrentAgents()
	if n < 1 {
		n = 1
	}
	c.cached = n
	c.cachedAt = c.now()
	c.haveCache = true
	return n
}
