package broker

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// Query answers that are not values. They match the ones of the core.
const (
	queryInvalid = "#invalid"
	queryUnknown = "#unknown"
)

func (b *CoreBroker) processQuery(m *message.ActionMessage) {
	if !b.isForMe(m) {
		if m.DestID == sim.RootBrokerID {
			b.forwardQuery(m)
			return
		}

		b.route(m)

		return
	}

	target := m.Info().Target

	switch {
	case b.answersFor(target) || (m.DestID == b.GlobalID() && m.DestID != sim.RootBrokerID):
		b.reply(m, b.brokerQuery(string(m.Payload)))
	case !b.IsRoot():
		m.DestID = sim.RootBrokerID
		b.forwardQuery(m)
	default:
		b.resolveQuery(m, target)
	}
}

// answersFor tells if the broker itself is the target of a query.
func (b *CoreBroker) answersFor(target string) bool {
	switch target {
	case "broker", b.Name():
		return true
	case "root", "federation":
		return b.IsRoot()
	}

	return false
}

// resolveQuery sends a query to the federate or router with the target
// name.
func (b *CoreBroker) resolveQuery(m *message.ActionMessage, target string) {
	gid, ok := b.federates[target]
	if !ok {
		gid, ok = b.routers[target]
	}

	if !ok {
		b.reply(m, queryUnknown)
		return
	}

	m.DestID = gid
	b.RouteMessage(m)
}

// forwardQuery sends a query toward the root. A gateway presents it as its
// own and maps the reply back.
func (b *CoreBroker) forwardQuery(m *message.ActionMessage) {
	if b.gateway {
		qid := b.queryIDs.Next()
		b.gatewayQueries[qid] = forwardedQuery{source: m.SourceID, id: m.MessageID}

		m.SourceID = b.GlobalID()
		m.MessageID = qid
	}

	b.SendToParent(m)
}

func (b *CoreBroker) reply(m *message.ActionMessage, answer string) {
	r := message.NewFromTo(message.ActionQueryReply, b.GlobalID(), m.SourceID)
	r.MessageID = m.MessageID
	r.Payload = []byte(answer)
	b.RouteMessage(r)
}

func (b *CoreBroker) processQueryReply(m *message.ActionMessage) {
	if m.DestID != b.GlobalID() {
		b.route(m)
		return
	}

	q, ok := b.gatewayQueries[m.MessageID]
	if !ok {
		b.Drop(m, "reply to unknown query")
		return
	}

	delete(b.gatewayQueries, m.MessageID)

	m.DestID = q.source
	m.MessageID = q.id
	b.RouteMessage(m)
}

func jsonAnswer(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return queryInvalid
	}

	return string(out)
}

func sortedKeys(m map[string]sim.GlobalID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func (b *CoreBroker) interfaceKeys(kind handles.Kind) []string {
	keys := []string{}
	for _, r := range b.handles.ByKind(kind) {
		keys = append(keys, r.Key)
	}

	sort.Strings(keys)

	return keys
}

func (b *CoreBroker) brokerQuery(q string) string {
	switch q {
	case "name":
		return b.Name()
	case "address":
		return b.Transport().Address()
	case "exists":
		return "true"
	case "isinit":
		return strconv.FormatBool(b.initGranted)
	case "state":
		return b.State().String()
	case "federates":
		return jsonAnswer(sortedKeys(b.federates))
	case "brokers":
		names := []string{}
		for _, gid := range b.order {
			names = append(names, b.children[gid].name)
		}

		return jsonAnswer(names)
	case "publications":
		return jsonAnswer(b.interfaceKeys(handles.Publication))
	case "endpoints":
		return jsonAnswer(b.interfaceKeys(handles.Endpoint))
	case "counts":
		return jsonAnswer(map[string]int{
			"federates": len(b.federates),
			"routers":   len(b.routers),
			"handles":   b.handles.Len(),
			"pending":   b.numPending,
		})
	}

	return queryInvalid
}
