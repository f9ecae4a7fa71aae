// Package bus is the coupling point between the core and external surfaces
// (chat bot, uploader, HTTP layer). Publishers fire lifecycle events and
// never block; sinks receive them on a dedicated delivery goroutine so a
// slow or panicking sink cannot stall the crawl engine or the supervisor.
package bus

import (
	"log/slog"
	"sync"
)

// EventType enumerates the lifecycle events carried on the bus.
type EventType string

const (
	JobStarted   EventType = "job_started"
	JobProgress  EventType = "job_progress"
	JobCompleted EventType = "job_completed"
	JobFailed    EventType = "job_failed"
	JobPaused    EventType = "job_paused"
	StateChanged EventType = "state_changed"
	ReconnectHot EventType = "reconnect_alert"
)

// Event is one notification. Payload keys follow the event's JSON surface
// (job_id, tickers, from_date, until_date, total_tasks, completed_tasks,
// failed_tasks, total_records, reason, ...).
type Event struct {
	Type    EventType
	Payload map[string]any
}

// Sink receives events. Delivery order matches publish order per bus.
type Sink func(Event)

// Bus fans events out to zero or more sinks. Publish never blocks: events
// enter a bounded queue and are dropped (with a log line) when the queue is
// full.
type Bus struct {
	mu     sync.Mutex
	sinks  map[int]Sink
	nextID int

	events chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a bus and starts its delivery goroutine.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		sinks:  make(map[int]Sink),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: logger.With("component", "bus"),
	}
	go b.deliver()
	return b
}

// Subscribe registers a sink and returns an unsubscribe handle.
func (b *Bus) Subscribe(sink Sink) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.sinks[id] = sink
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.sinks, id)
	}
}

// Publish enqueues an event without blocking the caller.
func (b *Bus) Publish(evt Event) {
	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event queue full, dropping event", "type", evt.Type)
	}
}

// Close stops delivery. Events already queued are delivered first.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) deliver() {
	for {
		select {
		case evt := <-b.events:
			b.dispatch(evt)
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case evt := <-b.events:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("sink panicked", "type", evt.Type, "panic", r)
				}
			}()
			sink(evt)
		}()
	}
}
