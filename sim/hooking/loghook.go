package hooking

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Named is implemented by domains that can tell their name.
type Named interface {
	Name() string
}

// LogHook writes every hook invocation it sees to a zerolog logger.
type LogHook struct {
	logger zerolog.Logger
	level  zerolog.Level
	filter map[*HookPos]bool
}

// NewLogHook creates a LogHook logging at the given level. When positions are
// given, only those are logged.
func NewLogHook(
	logger zerolog.Logger,
	level zerolog.Level,
	positions ...*HookPos,
) *LogHook {
	h := &LogHook{
		logger: logger,
		level:  level,
	}

	if len(positions) > 0 {
		h.filter = make(map[*HookPos]bool)
		for _, p := range positions {
			h.filter[p] = true
		}
	}

	return h
}

// Func logs the hook context.
func (h *LogHook) Func(ctx HookCtx) {
	if h.filter != nil && !h.filter[ctx.Pos] {
		return
	}

	e := h.logger.WithLevel(h.level).Str("pos", ctx.Pos.Name)

	if named, ok := ctx.Domain.(Named); ok {
		e = e.Str("domain", named.Name())
	}

	if ctx.Item != nil {
		e = e.Str("item", fmt.Sprint(ctx.Item))
	}

	if ctx.Detail != nil {
		e = e.Interface("detail", ctx.Detail)
	}

	e.Msg("hook")
}
