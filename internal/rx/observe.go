package rx

import (
	"time"

	"github.com/rjboer/ofdmsync/internal/logging"
)

// EventKind classifies engine events.
type EventKind int

const (
	EventTransition EventKind = iota
	EventEnergyWarning
	EventDetection
	EventCorrelation
	EventCFO
	EventComplete
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventEnergyWarning:
		return "energy_warning"
	case EventDetection:
		return "detection"
	case EventCorrelation:
		return "correlation"
	case EventCFO:
		return "cfo"
	case EventComplete:
		return "complete"
	case EventProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Event is emitted synchronously from the engine loop. Sample counts the
// samples consumed in the run so far, including the one that caused the event.
type Event struct {
	Kind   EventKind
	From   StateKind
	To     StateKind
	Sample uint64
	Time   time.Duration
	// Value is the energy ratio, the correlation metric or the CFO,
	// depending on Kind.
	Value float64
	Pass  bool
}

// Observer receives engine events. It must not block.
type Observer func(Event)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observe = o }
}

// WithTap copies every sample the state machine consumes to sink.
func WithTap(sink SampleSink) Option {
	return func(e *Engine) { e.tap = sink }
}
