package agent

import (
	"sync"
	"time"

	"agentcore/internal/memory"
	"agentcore/internal/plan"
)

// Event is something observable that happened in a session.
type Event interface {
	EventType() string
	GetSessionID() string
	Timestamp() time.Time
}

// EventListener receives session events. OnEvent is called synchronously
// from the loop and must not block for long.
type EventListener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// BaseEvent provides common fields for all events
type BaseEvent struct {
	timestamp time.Time
	sessionID string
}

func (e *BaseEvent) Timestamp() time.Time { return e.timestamp }

func (e *BaseEvent) GetSessionID() string { return e.sessionID }

func newBaseEvent(sessionID string, ts time.Time) BaseEvent {
	return BaseEvent{timestamp: ts, sessionID: sessionID}
}

// TurnEvent - emitted after every recorded turn
type TurnEvent struct {
	BaseEvent
	Turn memory.Turn
}

func (e *TurnEvent) EventType() string { return "turn" }

// SummaryEvent - emitted when older turns are folded into the summary
type SummaryEvent struct {
	BaseEvent
	Folded   int
	Degraded bool // summarization failed; context kept unsummarized
	Summary  string
}

func (e *SummaryEvent) EventType() string { return "summary" }

// PlanEvent - emitted when the plan is drafted and whenever todo.md changes
type PlanEvent struct {
	BaseEvent
	Plan plan.Plan
}

func (e *PlanEvent) EventType() string { return "plan" }

// StatusEvent - emitted once, when the session terminates
type StatusEvent struct {
	BaseEvent
	Status     Status
	Reason     string
	Result     string
	Iterations int
	Duration   time.Duration
}

func (e *StatusEvent) EventType() string { return "status" }

// multiListener fans an event out to several listeners.
type multiListener struct {
	mu        sync.RWMutex
	listeners []EventListener
}

func (m *multiListener) add(l EventListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *multiListener) OnEvent(e Event) {
	m.mu.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnEvent(e)
	}
}

// MultiListener combines listeners; nil entries are skipped.
func MultiListener(listeners ...EventListener) EventListener {
	m := &multiListener{}
	for _, l := range listeners {
		m.add(l)
	}
	return m
}
