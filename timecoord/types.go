// Package timecoord decides when a federate may advance its time. A
// Coordinator tracks the time requests of the federates its federate depends
// on and grants a time only when none of them can still send anything
// earlier.
package timecoord

import (
	"fmt"

	"github.com/sarchlab/cosim/sim"
)

// IterationRequest tells how a federate wants to treat the current time.
type IterationRequest int

// The iteration requests.
const (
	// NoIterations advances time normally.
	NoIterations IterationRequest = iota

	// ForceIteration repeats the current time regardless of updates.
	ForceIteration

	// IterateIfNeeded repeats the current time only if updates arrived at
	// it.
	IterateIfNeeded
)

func (r IterationRequest) String() string {
	switch r {
	case NoIterations:
		return "no_iterations"
	case ForceIteration:
		return "force_iteration"
	case IterateIfNeeded:
		return "iterate_if_needed"
	}

	return fmt.Sprintf("iteration_request(%d)", int(r))
}

// IterationResult is the outcome of a time or exec request. Continue is only
// used while a request is still pending.
type IterationResult int

// The results.
const (
	Continue IterationResult = iota
	NextStep
	Iterating
	ForcedConvergence
	Error
	Halted
)

var resultNames = map[IterationResult]string{
	Continue:          "continue",
	NextStep:          "next_step",
	Iterating:         "iterating",
	ForcedConvergence: "forced_convergence",
	Error:             "error",
	Halted:            "halted",
}

func (r IterationResult) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}

	return fmt.Sprintf("iteration_result(%d)", int(r))
}

// IsReturnable tells if a blocked call should return with this result.
func (r IterationResult) IsReturnable() bool {
	return r != Continue
}

// IterationTime is a granted time with the way it was granted.
type IterationTime struct {
	Time  sim.VTime
	State IterationResult
}

// Config holds the timing properties of a federate.
type Config struct {
	// TimeDelta is the smallest step between two grants.
	TimeDelta sim.VTime

	// Lookahead is how far in the future every output is stamped.
	Lookahead sim.VTime

	// Period and Offset restrict grants to Offset + k*Period.
	Period sim.VTime
	Offset sim.VTime

	// MaxIterations caps the iterations at one time.
	MaxIterations int

	// Uninterruptible ignores pending values and messages when computing
	// the next grant.
	Uninterruptible bool

	// SourceOnly federates depend on nobody.
	SourceOnly bool

	// Observer federates have no dependents.
	Observer bool

	// WaitForCurrentTimeUpdate holds a grant at t until every dependency
	// has moved past t, so that values published at t are seen at t.
	WaitForCurrentTimeUpdate bool
}

// DefaultMaxIterations is the default iteration cap.
const DefaultMaxIterations = 2000

// DefaultConfig returns the default timing properties.
func DefaultConfig() Config {
	return Config{
		TimeDelta:     sim.Epsilon,
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate checks that the properties are usable.
func (c Config) Validate() error {
	switch {
	case c.TimeDelta < 0:
		return sim.NewError(sim.InvalidParameter, "negative time delta %s", c.TimeDelta)
	case c.Lookahead < 0:
		return sim.NewError(sim.InvalidParameter, "negative lookahead %s", c.Lookahead)
	case c.Period < 0:
		return sim.NewError(sim.InvalidParameter, "negative period %s", c.Period)
	case c.MaxIterations < 0:
		return sim.NewError(sim.InvalidParameter, "negative max iterations %d", c.MaxIterations)
	}

	return nil
}
