package cywtcp

import (
	"context"
	"log/slog"
)

const levelTrace slog.Level = slog.LevelDebug - 1

func (s *Stack) logerr(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelError, msg, attrs...)
}

func (s *Stack) info(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelInfo, msg, attrs...)
}

func (s *Stack) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

// trace logs per-segment events. Gated by a flag cached in NewStack.
func (s *Stack) trace(msg string, attrs ...slog.Attr) {
	if s._traceenabled {
		s.logattrs(levelTrace, msg, attrs...)
	}
}

func (s *Stack) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	s.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (s *Stack) logenabled(level slog.Level) bool {
	return s.logger != nil && s.logger.Handler().Enabled(context.Background(), level)
}
