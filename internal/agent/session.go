package agent

import (
	"sync"
	"time"

	"agentcore/internal/memory"
)

// Status is a session's lifecycle state. Running is the only non-terminal
// state.
type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusMaxIterations Status = "max_iterations"
	StatusTimedOut      Status = "timed_out"
	StatusFailed        Status = "failed"
)

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMaxIterations, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// Session is one agent run. The loop controller is its only writer; readers
// take snapshots.
type Session struct {
	ID        string
	Goal      string
	StartedAt time.Time

	transcript *memory.Transcript
	window     *memory.Window

	mu         sync.RWMutex
	status     Status
	reason     string
	result     string
	iterations int
	endedAt    time.Time
	done       chan struct{}
}

// NewSession creates a running session for goal.
func NewSession(id, goal string, window *memory.Window) *Session {
	if window == nil {
		window = memory.NewWindow(memory.WindowConfig{})
	}
	return &Session{
		ID:         id,
		Goal:       goal,
		StartedAt:  time.Now(),
		transcript: &memory.Transcript{},
		window:     window,
		status:     StatusRunning,
		done:       make(chan struct{}),
	}
}

// Transcript returns the session's append-only turn log.
func (s *Session) Transcript() *memory.Transcript { return s.transcript }

// Window returns the session's context window.
func (s *Session) Window() *memory.Window { return s.window }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Iterations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterations
}

func (s *Session) incrementIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations++
	return s.iterations
}

// terminate moves the session to a terminal state. Only the first call
// takes effect.
func (s *Session) terminate(status Status, reason, result string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.reason = reason
	s.result = result
	s.endedAt = at
	close(s.done)
	return true
}

// Done is closed when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID         string        `json:"id"`
	Goal       string        `json:"goal"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Result     string        `json:"result,omitempty"`
	Iterations int           `json:"iterations"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at,omitzero"`
	Summary    string        `json:"summary,omitempty"`
	Turns      []memory.Turn `json:"turns"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		ID:         s.ID,
		Goal:       s.Goal,
		Status:     s.status,
		Reason:     s.reason,
		Result:     s.result,
		Iterations: s.iterations,
		StartedAt:  s.StartedAt,
		EndedAt:    s.endedAt,
	}
	s.mu.RUnlock()
	snap.Summary = s.window.Summary()
	snap.Turns = s.transcript.Turns()
	return snap
}

// Record converts the snapshot for the archive.
func (snap Snapshot) Record() memory.SessionRecord {
	return memory.SessionRecord{
		ID:         snap.ID,
		Goal:       snap.Goal,
		Status:     string(snap.Status),
		Reason:     snap.Reason,
		Result:     snap.Result,
		Iterations: snap.Iterations,
		Summary:    snap.Summary,
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
		TurnCount:  len(snap.Turns),
		Turns:      snap.Turns,
	}
}
