package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/timecoord"
)

// GrantCounter counts the grants of each federate by result, without a
// recorder.
type GrantCounter struct {
	lock   sync.Mutex
	counts map[string]map[timecoord.IterationResult]uint64
}

// NewGrantCounter creates an empty GrantCounter.
func NewGrantCounter() *GrantCounter {
	return &GrantCounter{
		counts: make(map[string]map[timecoord.IterationResult]uint64),
	}
}

// Func counts time grants. Exec grants are not counted.
func (c *GrantCounter) Func(ctx hooking.HookCtx) {
	if ctx.Pos != core.HookPosTimeGrant {
		return
	}

	fed, ok := ctx.Item.(Federate)
	if !ok {
		return
	}

	it, ok := ctx.Detail.(timecoord.IterationTime)
	if !ok {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	byState, ok := c.counts[fed.Name()]
	if !ok {
		byState = make(map[timecoord.IterationResult]uint64)
		c.counts[fed.Name()] = byState
	}

	byState[it.State]++
}

// Federates returns the names of the federates seen so far.
func (c *GrantCounter) Federates() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := make([]string, 0, len(c.counts))
	for name := range c.counts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Count returns how many grants of the given result the federate got.
func (c *GrantCounter) Count(fed string, state timecoord.IterationResult) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[fed][state]
}

// Total returns how many grants the federate got.
func (c *GrantCounter) Total(fed string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	var n uint64
	for _, v := range c.counts[fed] {
		n += v
	}

	return n
}
