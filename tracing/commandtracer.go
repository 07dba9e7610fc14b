package tracing

import (
	"time"

	"github.com/sarchlab/cosim/datarecording"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
)

// CommandTable is the table CommandTracer writes.
const CommandTable = "commands"

// CommandEntry is one routed or dropped command.
type CommandEntry struct {
	Router   string
	Action   string
	Source   int32
	Dest     int32
	Time     int64
	Route    int32
	Dropped  bool
	Reason   string
	WallTime int64
}

// A CommandFilter selects the commands to record.
type CommandFilter func(m *message.ActionMessage) bool

// SkipHeartbeats drops ticks and pings from the trace.
func SkipHeartbeats(m *message.ActionMessage) bool {
	switch m.Action {
	case message.ActionTick, message.ActionPing, message.ActionPingReply:
		return false
	}

	return true
}

// CommandTracer records the commands routers hand to their transport and
// the ones they drop.
type CommandTracer struct {
	recorder datarecording.DataRecorder
	filter   CommandFilter
}

// NewCommandTracer creates the command table in recorder. A nil filter
// records every command.
func NewCommandTracer(
	recorder datarecording.DataRecorder,
	filter CommandFilter,
) *CommandTracer {
	recorder.CreateTable(CommandTable, CommandEntry{})

	if filter == nil {
		filter = func(*message.ActionMessage) bool { return true }
	}

	return &CommandTracer{recorder: recorder, filter: filter}
}

// Func records route and drop hooks.
func (t *CommandTracer) Func(ctx hooking.HookCtx) {
	if ctx.Pos != routing.HookPosRoute && ctx.Pos != routing.HookPosDrop {
		return
	}

	m, ok := ctx.Item.(*message.ActionMessage)
	if !ok || !t.filter(m) {
		return
	}

	entry := CommandEntry{
		Router:   domainName(ctx),
		Action:   m.Action.String(),
		Source:   int32(m.SourceID),
		Dest:     int32(m.DestID),
		Time:     int64(m.Time),
		WallTime: time.Now().UnixNano(),
	}

	switch d := ctx.Detail.(type) {
	case sim.RouteID:
		entry.Route = int32(d)
	case string:
		entry.Dropped = true
		entry.Reason = d
	}

	t.recorder.InsertData(CommandTable, entry)
}
