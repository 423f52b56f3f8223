// Package events carries structured status events from the proxy core to
// whatever wants to observe it (logging, a dashboard, tests).
// The core never assumes a consumer exists.
package events

import (
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindServerListen Kind = "server-listen"
	KindServerStop   Kind = "server-stop"
	KindInfo         Kind = "log-info"
	KindSuccess      Kind = "log-success"
	KindWarn         Kind = "log-warn"
	KindError        Kind = "log-error"
)

// Event is a single named status event.
// Err is only set for KindError events, and may be nil even then.
type Event struct {
	Kind    Kind
	Message string
	Err     error
	Fields  map[string]string
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(Event) {}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case KindWarn:
		ev = s.log.Warn()
	case KindError:
		ev = s.log.Error().Err(e.Err)
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("event", string(e.Kind))
	for k, v := range e.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(e.Message)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
