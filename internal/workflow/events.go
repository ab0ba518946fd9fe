package workflow

import (
	"sync"
	"time"

	"devloop/internal/logging"
)

// EventType identifies one orchestrator event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow:started"
	EventWorkflowPaused    EventType = "workflow:paused"
	EventWorkflowResumed   EventType = "workflow:resumed"
	EventWorkflowCompleted EventType = "workflow:completed"
	EventWorkflowFailed    EventType = "workflow:failed"
	EventWorkflowCancelled EventType = "workflow:cancelled"
	EventPhaseStarted      EventType = "phase:started"
	EventPhaseCompleted    EventType = "phase:completed"
	EventPhaseFailed       EventType = "phase:failed"
	EventArtifactCreated   EventType = "artifact:created"
	EventIterationStarted  EventType = "iteration:started"
)

// persistenceEvents are the event types whose emission must be accompanied by
// a durable save of run state.
var persistenceEvents = map[EventType]bool{
	EventWorkflowStarted:   true,
	EventWorkflowPaused:    true,
	EventWorkflowResumed:   true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
	EventPhaseStarted:      true,
	EventPhaseCompleted:    true,
	EventPhaseFailed:       true,
}

// Event is one line in events.jsonl.
type Event struct {
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflowId"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Listener receives events. Listeners are best-effort: panics and slowness
// must not affect the run.
type Listener func(Event)

// EventBus dispatches events synchronously to registered listeners.
type EventBus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a listener for all events.
func (b *EventBus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener, isolating panics.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryWorkflow).Error(
						"event listener panicked on %s: %v", ev.Type, r)
				}
			}()
			l(ev)
		}()
	}
}
