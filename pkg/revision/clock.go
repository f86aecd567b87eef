package revision

import (
	"sync"
	"time"
)

// Clock provides the wall time revisions are minted from
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

// VirtualClock is a manually driven clock for tests and tools
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock creates a virtual clock starting at start
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current virtual time
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is allowed; generators stay monotonic.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Generator mints strictly increasing trunk revisions for one cluster node
type Generator struct {
	clusterID int
	clock     Clock

	mu      sync.Mutex
	lastTS  int64
	counter int32
}

// NewGenerator creates a revision generator for clusterID
func NewGenerator(clusterID int, clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Generator{clusterID: clusterID, clock: clock}
}

// Next returns a revision newer than every revision previously returned
func (g *Generator) Next() Revision {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.clock.Now().UnixMilli()
	if ts <= g.lastTS {
		ts = g.lastTS
		g.counter++
	} else {
		g.counter = 0
	}
	g.lastTS = ts
	return Revision{Timestamp: ts, Counter: g.counter, ClusterID: g.clusterID}
}

// Observe makes later revisions newer than r. A restarted node seeds its
// generator with the last revision it persisted, whatever the clock says.
func (g *Generator) Observe(r Revision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r.Timestamp > g.lastTS || (r.Timestamp == g.lastTS && r.Counter > g.counter) {
		g.lastTS = r.Timestamp
		g.counter = r.Counter
	}
}

// ClusterID returns the cluster id revisions are minted for
func (g *Generator) ClusterID() int {
	return g.clusterID
}
