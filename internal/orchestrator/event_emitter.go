package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// EventEmitter delivers pipeline events to one subscriber over a buffered
// channel. A slow subscriber loses events rather than stalling the run.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger logging.Logger) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logging.OrNop(logger),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a chance to drain.
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Log("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later Emit calls are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
