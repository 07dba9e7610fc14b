// Package tracing records what routers and federates do into a
// datarecording.DataRecorder.
package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
)

// NamedHookable represent something both have a name and can be hooked.
type NamedHookable interface {
	hooking.Named
	hooking.Hookable
}

// A Federate is the item of a time grant hook.
type Federate interface {
	Name() string
	GlobalID() sim.GlobalID
}

// CollectTrace attaches a tracer to a router. A tracer is attached at most
// once per router.
func CollectTrace(domain NamedHookable, tracer hooking.Hook) {
	for _, hook := range domain.Hooks() {
		if hook == tracer {
			panic(fmt.Sprintf("domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(tracer)
}

func domainName(ctx hooking.HookCtx) string {
	if named, ok := ctx.Domain.(hooking.Named); ok {
		return named.Name()
	}

	return ""
}
