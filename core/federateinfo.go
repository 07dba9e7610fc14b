package core

import (
	"fmt"

	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/timecoord"
)

// FederateInfo holds the properties a federate registers with.
type FederateInfo struct {
	TimeDelta    sim.VTime
	Lookahead    sim.VTime
	ImpactWindow sim.VTime
	Period       sim.VTime
	Offset       sim.VTime

	// MaxIterations is capped by the core-wide limit. Zero means the core
	// limit.
	MaxIterations int

	Observer                 bool
	SourceOnly               bool
	Uninterruptible          bool
	WaitForCurrentTimeUpdate bool
	OnlyUpdateOnChange       bool
}

// DefaultFederateInfo returns the properties of a federate that did not set
// any.
func DefaultFederateInfo() FederateInfo {
	return FederateInfo{TimeDelta: sim.Epsilon}
}

func (i FederateInfo) validate() error {
	if i.ImpactWindow < 0 {
		return sim.NewError(sim.InvalidParameter,
			"negative impact window %s", i.ImpactWindow)
	}

	return i.timing(timecoord.DefaultMaxIterations).Validate()
}

func (i FederateInfo) timing(coreMaxIterations int) timecoord.Config {
	maxIter := coreMaxIterations
	if i.MaxIterations > 0 && i.MaxIterations < maxIter {
		maxIter = i.MaxIterations
	}

	if i.MaxIterations < 0 {
		maxIter = i.MaxIterations
	}

	return timecoord.Config{
		TimeDelta:                i.TimeDelta,
		Lookahead:                i.Lookahead,
		Period:                   i.Period,
		Offset:                   i.Offset,
		MaxIterations:            maxIter,
		Uninterruptible:          i.Uninterruptible,
		SourceOnly:               i.SourceOnly,
		Observer:                 i.Observer,
		WaitForCurrentTimeUpdate: i.WaitForCurrentTimeUpdate,
	}
}

// Property names a time or integer property of a federate.
type Property int

// The federate properties.
const (
	PropertyTimeDelta Property = iota
	PropertyLookahead
	PropertyImpactWindow
	PropertyPeriod
	PropertyOffset
	PropertyMaxIterations
)

var propertyNames = [...]string{
	"time_delta", "lookahead", "impact_window", "period", "offset",
	"max_iterations",
}

func (p Property) String() string {
	if p >= 0 && int(p) < len(propertyNames) {
		return propertyNames[p]
	}

	return fmt.Sprintf("property(%d)", int(p))
}

// Flag names a boolean option of a federate.
type Flag int

// The federate flags.
const (
	FlagObserver Flag = iota
	FlagSourceOnly
	FlagUninterruptible
	FlagWaitForCurrentTimeUpdate
	FlagOnlyUpdateOnChange
)

var flagNames = [...]string{
	"observer", "source_only", "uninterruptible",
	"wait_for_current_time_update", "only_update_on_change",
}

func (f Flag) String() string {
	if f >= 0 && int(f) < len(flagNames) {
		return flagNames[f]
	}

	return fmt.Sprintf("flag(%d)", int(f))
}

// An InterfaceOption adjusts a publication or subscription at registration.
type InterfaceOption func(o *interfaceOptions)

type interfaceOptions struct {
	required           bool
	onlyUpdateOnChange bool
	notInterruptible   bool
}

// Required makes the broker warn at initialization if the subscription has
// no publisher.
func Required() InterfaceOption {
	return func(o *interfaceOptions) { o.required = true }
}

// OnlyUpdateOnChange makes byte-equal values not count as updates.
func OnlyUpdateOnChange() InterfaceOption {
	return func(o *interfaceOptions) { o.onlyUpdateOnChange = true }
}

// NotInterruptible keeps values of the subscription from pulling in grants.
func NotInterruptible() InterfaceOption {
	return func(o *interfaceOptions) { o.notInterruptible = true }
}

func collectOptions(opts []InterfaceOption) interfaceOptions {
	var o interfaceOptions

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
