package memory

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Turn is one plan-act-observe step: the action the model requested and the
// dispatcher's result. Turns are append-only and never mutated.
type Turn struct {
	ID        string         `json:"id"`
	Iteration int            `json:"iteration"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    string         `json:"status"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StatusOK marks a successful tool result; failures carry their error kind.
const StatusOK = "ok"

// Text renders the turn for embedding and for the model context.
func (t Turn) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", t.Iteration, t.Tool)
	if len(t.Arguments) > 0 {
		if args, err := json.Marshal(t.Arguments); err == nil {
			b.WriteString(" ")
			b.Write(args)
		}
	}
	fmt.Fprintf(&b, " -> %s", t.Status)
	if t.Output != "" {
		b.WriteString("\n")
		b.WriteString(t.Output)
	}
	if t.Error != "" {
		b.WriteString("\n")
		b.WriteString(t.Error)
	}
	return b.String()
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID; ids created later sort after earlier ones.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// Transcript is the append-only record of a session's turns.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append records a turn, assigning an id and timestamp when missing.
func (t *Transcript) Append(turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = NewID()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	t.mu.Lock()
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
	return turn
}

// Turns returns a copy of every turn in order.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Turn(nil), t.turns...)
}

// Len returns the number of recorded turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}
