package tcpcl

import (
	"context"
	"log/slog"

	"github.com/hdtn/hdtn-core/internal"
)

// logenabled reports whether trace-level logging should run. Trace
// calls are still made under the debugheaplog build tag so its
// allocation counters see every call site, even when the configured
// logger would discard them.
func (s *Session) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (s.log != nil && s.log.Handler().Enabled(context.Background(), lvl))
}

func (s *Session) trace(msg string, attrs ...slog.Attr) {
	if s.logenabled(internal.LevelTrace) {
		internal.LogAttrs(s.log, internal.LevelTrace, msg, attrs...)
	}
}
