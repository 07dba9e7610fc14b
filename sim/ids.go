package sim

import "fmt"

// LocalFederateID is a dense, 0-based index of a federate inside one core.
type LocalFederateID int32

// InvalidLocalFederateID marks a federate that does not exist.
const InvalidLocalFederateID LocalFederateID = -1

// InterfaceHandle is a process-scoped index of a registered interface.
type InterfaceHandle int32

// InvalidHandle marks an interface that does not exist.
const InvalidHandle InterfaceHandle = -1

// RouteID selects a connection of a router. Route 0 always leads to the
// parent.
type RouteID int32

// ParentRoute is the default upstream route.
const ParentRoute RouteID = 0

// GlobalID identifies a federate, core or broker across the whole
// federation. Federates and routers are numbered from disjoint ranges.
type GlobalID int32

const (
	// ParentID addresses "my parent", whatever its global id is.
	ParentID GlobalID = 0

	// RootBrokerID is the global id of the root broker.
	RootBrokerID GlobalID = 1

	// FederateIDShift is the first global federate id.
	FederateIDShift GlobalID = 0x0002_0000

	// BrokerIDShift is the first global id of a non-root broker or core.
	BrokerIDShift GlobalID = 0x7000_0000

	// InvalidID marks an id that has not been assigned.
	InvalidID GlobalID = -2_010_000_000
)

// FederateGlobalID returns the global id of the n-th registered federate.
func FederateGlobalID(n int32) GlobalID {
	return FederateIDShift + GlobalID(n)
}

// BrokerGlobalID returns the global id of the n-th registered router.
func BrokerGlobalID(n int32) GlobalID {
	return BrokerIDShift + GlobalID(n)
}

// IsValid tells if the id has been assigned.
func (id GlobalID) IsValid() bool {
	return id != InvalidID
}

// IsFederate tells if the id is in the federate range.
func (id GlobalID) IsFederate() bool {
	return id >= FederateIDShift && id < BrokerIDShift
}

// IsBroker tells if the id belongs to a broker or a core.
func (id GlobalID) IsBroker() bool {
	return id == RootBrokerID || id >= BrokerIDShift
}

// String formats the id, naming the well-known ones.
func (id GlobalID) String() string {
	switch {
	case id == InvalidID:
		return "invalid"
	case id == ParentID:
		return "parent"
	case id == RootBrokerID:
		return "root"
	case id.IsFederate():
		return fmt.Sprintf("fed#%d", int32(id-FederateIDShift))
	case id >= BrokerIDShift:
		return fmt.Sprintf("broker#%d", int32(id-BrokerIDShift))
	}

	return fmt.Sprintf("id#%d", int32(id))
}

// GlobalHandle identifies an interface in the federation.
type GlobalHandle struct {
	Fed    GlobalID
	Handle InterfaceHandle
}

// IsValid tells if the handle points to a federate.
func (h GlobalHandle) IsValid() bool {
	return h.Fed.IsValid() && h.Handle != InvalidHandle
}

// String formats the handle as fed:handle.
func (h GlobalHandle) String() string {
	return fmt.Sprintf("%s:%d", h.Fed, h.Handle)
}
