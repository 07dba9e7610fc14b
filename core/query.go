package core

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
)

// Query answers that are not values.
const (
	QueryInvalid = "#invalid"
	QueryUnknown = "#unknown"
	queryError   = "#error"
)

// Query asks target a question. The target is "core", "broker", "root", the
// name of a federate or of a router of the federation. Answers are JSON
// values or plain strings.
func (c *CommonCore) Query(target, query string) (string, error) {
	if target == "core" || target == c.Name() {
		return queryResult(target, query, c.coreQuery(query))
	}

	if f, ok := c.FederateByName(target); ok {
		return queryResult(target, query, c.fedQuery(f, query))
	}

	dest := sim.RootBrokerID
	if target == "broker" {
		dest = sim.ParentID
	}

	return c.remoteQuery(dest, target, query)
}

func queryResult(target, query, answer string) (string, error) {
	switch answer {
	case QueryInvalid:
		return "", sim.NewError(sim.InvalidParameter,
			"%q cannot answer %q", target, query)
	case QueryUnknown:
		return "", sim.NewError(sim.InvalidIdentifier, "unknown query target %q", target)
	case queryError:
		return "", sim.NewError(sim.Terminated, "query %q to %q aborted", query, target)
	}

	return answer, nil
}

func (c *CommonCore) remoteQuery(dest sim.GlobalID, target, query string) (string, error) {
	qid := c.queryIDs.Next()
	ch := make(chan string, 1)

	c.queryLock.Lock()
	c.pendingQueries[qid] = ch
	c.queryLock.Unlock()

	defer func() {
		c.queryLock.Lock()
		delete(c.pendingQueries, qid)
		c.queryLock.Unlock()
	}()

	switch c.State() {
	case routing.Errored, routing.Terminated:
		return "", sim.NewError(sim.Terminated, "core is %s", c.State())
	}

	m := message.NewFromTo(message.ActionQuery, c.GlobalID(), dest)
	m.MessageID = qid
	m.Info().Target = target
	m.Payload = []byte(query)
	c.AddActionMessage(m)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case answer := <-ch:
		return queryResult(target, query, answer)
	case <-timer.C:
		return "", sim.NewError(sim.ConnectionFailure,
			"query %q to %q timed out", query, target)
	}
}

func (c *CommonCore) processQuery(m *message.ActionMessage) {
	var answer string

	switch f := c.local(m.DestID); {
	case f != nil:
		answer = c.fedQuery(f, string(m.Payload))
	case m.DestID == c.GlobalID() && m.SourceID != c.GlobalID():
		answer = c.coreQuery(string(m.Payload))
	default:
		if route, ok := c.RouteFor(m.DestID); ok && route != sim.ParentRoute {
			c.RouteMessage(m)
			return
		}

		c.SendToParent(m)

		return
	}

	reply := message.NewFromTo(message.ActionQueryReply, c.GlobalID(), m.SourceID)
	reply.MessageID = m.MessageID
	reply.Payload = []byte(answer)
	c.RouteMessage(reply)
}

func (c *CommonCore) processQueryReply(m *message.ActionMessage) {
	if m.DestID != c.GlobalID() {
		c.RouteMessage(m)
		return
	}

	c.queryLock.Lock()
	ch, ok := c.pendingQueries[m.MessageID]
	delete(c.pendingQueries, m.MessageID)
	c.queryLock.Unlock()

	if !ok {
		c.Drop(m, "reply to unknown query")
		return
	}

	ch <- string(m.Payload)
}

func jsonAnswer(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return queryError
	}

	return string(out)
}

func interfaceKeys(recs []*handles.BasicHandleInfo, kind handles.Kind) []string {
	keys := []string{}

	for _, r := range recs {
		if r.Kind == kind {
			keys = append(keys, r.Key)
		}
	}

	sort.Strings(keys)

	return keys
}

func (c *CommonCore) allHandles() []*handles.BasicHandleInfo {
	var out []*handles.BasicHandleInfo

	for _, kind := range []handles.Kind{handles.Publication, handles.Endpoint} {
		out = append(out, c.handles.ByKind(kind)...)
	}

	return out
}

func (c *CommonCore) coreQuery(q string) string {
	feds := c.Federates()

	switch q {
	case "name":
		return c.Name()
	case "address":
		return c.Transport().Address()
	case "exists":
		return "true"
	case "isinit":
		return strconv.FormatBool(c.initGranted.Load())
	case "state":
		return c.State().String()
	case "federates":
		names := make([]string, 0, len(feds))
		for _, f := range feds {
			names = append(names, f.name)
		}

		return jsonAnswer(names)
	case "publications":
		return jsonAnswer(interfaceKeys(c.allHandles(), handles.Publication))
	case "endpoints":
		return jsonAnswer(interfaceKeys(c.allHandles(), handles.Endpoint))
	case "dependencies", "dependents", "current_time":
		out := make(map[string]any, len(feds))
		for _, f := range feds {
			out[f.name] = c.fedAnswer(f, q)
		}

		return jsonAnswer(out)
	}

	return QueryInvalid
}

func (c *CommonCore) fedQuery(f *FederateState, q string) string {
	switch q {
	case "name":
		return f.name
	case "exists":
		return "true"
	case "isinit":
		return strconv.FormatBool(f.Mode() != ModeCreated)
	case "state":
		return f.Mode().String()
	case "publications", "endpoints", "dependencies", "dependents", "current_time":
		return jsonAnswer(c.fedAnswer(f, q))
	}

	return QueryInvalid
}

func (c *CommonCore) fedAnswer(f *FederateState, q string) any {
	switch q {
	case "publications":
		return interfaceKeys(f.handleKinds(handles.Publication), handles.Publication)
	case "endpoints":
		return interfaceKeys(f.handleKinds(handles.Endpoint), handles.Endpoint)
	case "dependencies":
		ids := []int32{}
		for _, d := range f.coord.Dependencies() {
			ids = append(ids, int32(d.FedID))
		}

		return ids
	case "dependents":
		ids := []int32{}
		for _, d := range f.coord.Dependents() {
			ids = append(ids, int32(d))
		}

		return ids
	case "current_time":
		g := f.Granted()
		if g < sim.ZeroTime {
			return nil
		}

		return g.Seconds()
	}

	return nil
}

// LogMessage sends a log line of a federate to the root broker, which
// writes it at the given level.
func (c *CommonCore) LogMessage(fed sim.LocalFederateID, level zerolog.Level, msg string) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	m := message.NewFromTo(message.ActionLog, f.GlobalID(), sim.RootBrokerID)
	m.MessageID = int32(level)
	m.Payload = []byte(msg)
	c.AddActionMessage(m)

	return nil
}
