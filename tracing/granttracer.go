package tracing

import (
	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/datarecording"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/timecoord"
)

// GrantTable is the table GrantTracer writes.
const GrantTable = "grants"

// GrantEntry is one time granted to a federate.
type GrantEntry struct {
	Core    string
	Fed     string
	FedID   int32
	Time    int64
	Seconds float64
	State   string
	Exec    bool
}

// GrantTracer records the grants of the federates of a core.
type GrantTracer struct {
	recorder datarecording.DataRecorder
}

// NewGrantTracer creates the grant table in recorder.
func NewGrantTracer(recorder datarecording.DataRecorder) *GrantTracer {
	recorder.CreateTable(GrantTable, GrantEntry{})

	return &GrantTracer{recorder: recorder}
}

// Func records time and exec grants.
func (t *GrantTracer) Func(ctx hooking.HookCtx) {
	exec := ctx.Pos == core.HookPosExecGrant
	if ctx.Pos != core.HookPosTimeGrant && !exec {
		return
	}

	fed, ok := ctx.Item.(Federate)
	if !ok {
		return
	}

	it, ok := ctx.Detail.(timecoord.IterationTime)
	if !ok {
		return
	}

	t.recorder.InsertData(GrantTable, GrantEntry{
		Core:    domainName(ctx),
		Fed:     fed.Name(),
		FedID:   int32(fed.GlobalID()),
		Time:    int64(it.Time),
		Seconds: it.Time.Seconds(),
		State:   it.State.String(),
		Exec:    exec,
	})
}
