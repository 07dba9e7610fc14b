package routing

import "fmt"

// State is the lifecycle state of a router.
type State int32

// The router states.
const (
	Created State = iota
	Connecting
	Connected
	Operating
	Terminating
	Terminated
	Errored
)

var stateNames = [...]string{
	"created", "connecting", "connected", "operating", "terminating",
	"terminated", "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// IsActive tells if the router still processes federation traffic.
func (s State) IsActive() bool {
	return s == Connected || s == Operating
}
