package sim

import (
	"math"
	"strconv"
)

// VTime is a simulated time, counted in nanoseconds. It is the time
// base-code carried on the wire.
type VTime int64

const (
	// Epsilon is the smallest representable time step.
	Epsilon VTime = 1

	// ZeroTime is the time at which federates enter executing mode.
	ZeroTime VTime = 0

	// MaxVTime stands for "never". Additions saturate at it.
	MaxVTime VTime = math.MaxInt64 - 1

	// MinVTime is smaller than any time a federate can be granted.
	MinVTime VTime = math.MinInt64 + 1

	nsPerSecond = 1e9
)

// VTimeFromSeconds converts a time in seconds into a VTime, rounding to the
// nearest nanosecond.
func VTimeFromSeconds(s float64) VTime {
	if s >= float64(MaxVTime)/nsPerSecond {
		return MaxVTime
	}

	if s <= float64(MinVTime)/nsPerSecond {
		return MinVTime
	}

	return VTime(math.Round(s * nsPerSecond))
}

// Seconds returns the time in seconds.
func (t VTime) Seconds() float64 {
	return float64(t) / nsPerSecond
}

// Add returns t+d, saturating at MaxVTime and MinVTime.
func (t VTime) Add(d VTime) VTime {
	if t == MaxVTime || d == MaxVTime {
		return MaxVTime
	}

	if d > 0 && t > MaxVTime-d {
		return MaxVTime
	}

	if d < 0 && t < MinVTime-d {
		return MinVTime
	}

	return t + d
}

// String formats the time in seconds, or as "max"/"min" at the bounds.
func (t VTime) String() string {
	switch t {
	case MaxVTime:
		return "max"
	case MinVTime:
		return "min"
	}

	return strconv.FormatFloat(t.Seconds(), 'g', -1, 64)
}

// MinTime returns the smaller of two times.
func MinTime(a, b VTime) VTime {
	if a < b {
		return a
	}

	return b
}

// MaxTime returns the larger of two times.
func MaxTime(a, b VTime) VTime {
	if a > b {
		return a
	}

	return b
}
