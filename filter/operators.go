package filter

import (
	"math/rand/v2"
	"regexp"
	"sync"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// DelayOperator adds a fixed delay to the message time.
type DelayOperator struct {
	Delay sim.VTime
}

// NewDelayOperator creates an operator that delays every message by d.
func NewDelayOperator(d sim.VTime) *DelayOperator {
	return &DelayOperator{Delay: d}
}

// Process delays m.
func (o *DelayOperator) Process(m *message.Message) *message.Message {
	m.Time = m.Time.Add(o.Delay)
	return m
}

// RandomDelayOperator adds a uniformly distributed delay in [Min, Max).
type RandomDelayOperator struct {
	Min, Max sim.VTime

	lock sync.Mutex
	rng  *rand.Rand
}

// NewRandomDelayOperator creates a random delay operator seeded with seed.
func NewRandomDelayOperator(lo, hi sim.VTime, seed uint64) *RandomDelayOperator {
	return &RandomDelayOperator{
		Min: lo,
		Max: hi,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Process delays m by a random amount.
func (o *RandomDelayOperator) Process(m *message.Message) *message.Message {
	d := o.Min

	if o.Max > o.Min {
		o.lock.Lock()
		d += sim.VTime(o.rng.Int64N(int64(o.Max - o.Min)))
		o.lock.Unlock()
	}

	m.Time = m.Time.Add(d)

	return m
}

// RandomDropOperator drops each message with probability Prob.
type RandomDropOperator struct {
	Prob float64

	lock sync.Mutex
	rng  *rand.Rand
}

// NewRandomDropOperator creates a drop operator seeded with seed.
func NewRandomDropOperator(prob float64, seed uint64) *RandomDropOperator {
	return &RandomDropOperator{
		Prob: prob,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Process drops or passes m.
func (o *RandomDropOperator) Process(m *message.Message) *message.Message {
	o.lock.Lock()
	drop := o.rng.Float64() < o.Prob
	o.lock.Unlock()

	if drop {
		return nil
	}

	return m
}

// RerouteOperator changes the destination of messages whose destination
// matches Condition. A nil Condition matches every message.
type RerouteOperator struct {
	NewDest   string
	Condition *regexp.Regexp
}

// NewRerouteOperator creates a reroute operator. An empty condition matches
// every destination.
func NewRerouteOperator(newDest, condition string) (*RerouteOperator, error) {
	o := &RerouteOperator{NewDest: newDest}

	if condition != "" {
		re, err := regexp.Compile(condition)
		if err != nil {
			return nil, err
		}

		o.Condition = re
	}

	return o, nil
}

// Process reroutes m.
func (o *RerouteOperator) Process(m *message.Message) *message.Message {
	if o.Condition != nil && !o.Condition.MatchString(m.Dest) {
		return m
	}

	if m.OrigDest == "" {
		m.OrigDest = m.Dest
	}

	m.Dest = o.NewDest

	return m
}

// FirewallOperator passes only messages whose source is allowed.
type FirewallOperator struct {
	Allowed []*regexp.Regexp
}

// NewFirewallOperator creates a firewall that lets through messages whose
// source matches any of the patterns.
func NewFirewallOperator(patterns ...string) (*FirewallOperator, error) {
	o := &FirewallOperator{}

	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}

		o.Allowed = append(o.Allowed, re)
	}

	return o, nil
}

// Process drops m unless its source is allowed.
func (o *FirewallOperator) Process(m *message.Message) *message.Message {
	for _, re := range o.Allowed {
		if re.MatchString(m.Source) {
			return m
		}
	}

	return nil
}
