// Package handles keeps the records of registered interfaces: the handle
// table shared by cores and brokers, and the per-interface state of
// publications, subscriptions, endpoints and filters.
package handles

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/cosim/sim"
)

// Kind is the kind of a registered interface.
type Kind int

// The interface kinds.
const (
	Publication Kind = iota
	Subscription
	Endpoint
	SourceFilter
	DestinationFilter
)

var kindNames = [...]string{
	"publication", "subscription", "endpoint", "source_filter",
	"destination_filter",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// IsFilter tells if the kind is a source or destination filter.
func (k Kind) IsFilter() bool {
	return k == SourceFilter || k == DestinationFilter
}

// namespace groups kinds whose keys must be unique together.
func (k Kind) namespace() int {
	switch k {
	case Publication:
		return 0
	case Endpoint:
		return 1
	case SourceFilter, DestinationFilter:
		return 2
	}

	return -1
}

const numNamespaces = 3

// BasicHandleInfo is the record of a registered interface. It does not
// change after registration.
type BasicHandleInfo struct {
	Handle              sim.InterfaceHandle
	LocalFed            sim.LocalFederateID
	GlobalFed           sim.GlobalID
	Kind                Kind
	Key                 string
	Type                string
	Units               string
	Target              string
	IsDestinationFilter bool
	Required            bool
}

// GlobalHandle returns the federation-wide handle of the interface.
func (h *BasicHandleInfo) GlobalHandle() sim.GlobalHandle {
	return sim.GlobalHandle{Fed: h.GlobalFed, Handle: h.Handle}
}

type tableView struct {
	records  []*BasicHandleInfo
	byKey    [numNamespaces]map[string]*BasicHandleInfo
	byGlobal map[sim.GlobalHandle]*BasicHandleInfo
}

func newTableView() *tableView {
	v := &tableView{byGlobal: make(map[sim.GlobalHandle]*BasicHandleInfo)}
	for i := range v.byKey {
		v.byKey[i] = make(map[string]*BasicHandleInfo)
	}

	return v
}

func (v *tableView) clone() *tableView {
	c := newTableView()
	c.records = append([]*BasicHandleInfo(nil), v.records...)

	for i := range v.byKey {
		for k, r := range v.byKey[i] {
			c.byKey[i][k] = r
		}
	}

	for k, r := range v.byGlobal {
		c.byGlobal[k] = r
	}

	return c
}

// HandleTable indexes interface records by local handle, by key and by
// global handle. It is guarded by a mutex while registrations are allowed.
// After Freeze, lookups read an immutable snapshot without locking.
type HandleTable struct {
	lock   sync.Mutex
	view   *tableView
	frozen atomic.Pointer[tableView]
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{view: newTableView()}
}

// Add allocates the next local handle for a new record. Publications,
// endpoints and filters must have unique keys within their kind group.
func (t *HandleTable) Add(info BasicHandleInfo) (*BasicHandleInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkMutable(); err != nil {
		return nil, err
	}

	info.Handle = sim.InterfaceHandle(len(t.view.records))

	return t.insert(&info)
}

// Insert adds a record whose handle was allocated elsewhere, as brokers do
// for the interfaces of their children.
func (t *HandleTable) Insert(info BasicHandleInfo) (*BasicHandleInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkMutable(); err != nil {
		return nil, err
	}

	if _, dup := t.view.byGlobal[info.GlobalHandle()]; dup {
		return nil, sim.NewError(sim.RegistrationFailure,
			"handle %s already registered", info.GlobalHandle())
	}

	return t.insert(&info)
}

func (t *HandleTable) checkMutable() error {
	if t.frozen.Load() != nil {
		return sim.NewError(sim.InvalidFunctionCall,
			"handle table is frozen")
	}

	return nil
}

func (t *HandleTable) insert(info *BasicHandleInfo) (*BasicHandleInfo, error) {
	ns := info.Kind.namespace()
	if ns >= 0 && info.Key != "" {
		if _, dup := t.view.byKey[ns][info.Key]; dup {
			return nil, sim.NewError(sim.RegistrationFailure,
				"duplicate %s key %q", info.Kind, info.Key)
		}

		t.view.byKey[ns][info.Key] = info
	}

	t.view.records = append(t.view.records, info)
	t.view.byGlobal[info.GlobalHandle()] = info

	return info, nil
}

// Freeze makes the table read-only and lets lookups skip the lock.
func (t *HandleTable) Freeze() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.frozen.Load() == nil {
		t.frozen.Store(t.view.clone())
	}
}

// IsFrozen tells if Freeze has been called.
func (t *HandleTable) IsFrozen() bool {
	return t.frozen.Load() != nil
}

func (t *HandleTable) read(f func(v *tableView)) {
	if v := t.frozen.Load(); v != nil {
		f(v)
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	f(t.view)
}

// Get returns the record of a handle allocated by Add.
func (t *HandleTable) Get(h sim.InterfaceHandle) *BasicHandleInfo {
	var r *BasicHandleInfo

	t.read(func(v *tableView) {
		if h >= 0 && int(h) < len(v.records) {
			r = v.records[h]
		}
	})

	return r
}

// GetGlobal returns the record of a global handle.
func (t *HandleTable) GetGlobal(h sim.GlobalHandle) *BasicHandleInfo {
	var r *BasicHandleInfo

	t.read(func(v *tableView) {
		r = v.byGlobal[h]
	})

	return r
}

// Find returns the record of the given kind and key. Source and destination
// filters share their key space.
func (t *HandleTable) Find(kind Kind, key string) *BasicHandleInfo {
	ns := kind.namespace()
	if ns < 0 {
		return nil
	}

	var r *BasicHandleInfo

	t.read(func(v *tableView) {
		r = v.byKey[ns][key]
	})

	return r
}

// FindAll returns every record of the given kind and key. Subscriptions may
// share keys.
func (t *HandleTable) FindAll(kind Kind, key string) []*BasicHandleInfo {
	var out []*BasicHandleInfo

	t.read(func(v *tableView) {
		for _, r := range v.records {
			if r.Kind == kind && r.Key == key {
				out = append(out, r)
			}
		}
	})

	return out
}

// ByFederate returns the records owned by a federate, in registration order.
func (t *HandleTable) ByFederate(fed sim.GlobalID) []*BasicHandleInfo {
	var out []*BasicHandleInfo

	t.read(func(v *tableView) {
		for _, r := range v.records {
			if r.GlobalFed == fed {
				out = append(out, r)
			}
		}
	})

	return out
}

// ByKind returns the records of a kind, in registration order.
func (t *HandleTable) ByKind(kind Kind) []*BasicHandleInfo {
	var out []*BasicHandleInfo

	t.read(func(v *tableView) {
		for _, r := range v.records {
			if r.Kind == kind {
				out = append(out, r)
			}
		}
	})

	return out
}

// Len returns the number of records.
func (t *HandleTable) Len() int {
	n := 0

	t.read(func(v *tableView) {
		n = len(v.records)
	})

	return n
}
