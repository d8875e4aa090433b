package rtcManager

import (
	"time"

	"go.uber.org/zap"
)

type EventKind int

const (
	EventConnectionState EventKind = iota
	EventICEState
	EventQuality
	EventReconnectScheduled
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionState:
		return "connection-state"
	case EventICEState:
		return "ice-state"
	case EventQuality:
		return "quality"
	case EventReconnectScheduled:
		return "reconnect-scheduled"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is an observable change for display. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time
	State     string
	Quality   Quality
	Attempt   int
	Delay     time.Duration
	Err       error
	Fatal     bool
}

const eventBuffer = 64

// emitLocked queues ev without blocking; callers hold m.mu.
func (m *Manager) emitLocked(ev Event) {
	if m.closed {
		return
	}
	ev.At = m.clock.Now()
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("Event buffer full, dropping", zap.Stringer("kind", ev.Kind))
	}
}

// failLocked surfaces err to observers.
func (m *Manager) failLocked(s *session, err error, fatal bool) {
	log := m.logger.With(zap.String("session", s.id), zap.Error(err))
	if fatal {
		log.Error("Link failed")
	} else {
		log.Warn("Link error")
	}
	m.emitLocked(Event{Kind: EventError, SessionID: s.id, Err: err, Fatal: fatal})
}
