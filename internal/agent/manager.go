package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentcore/internal/async"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/tools/builtin"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionNotFound is returned for ids that are neither live nor archived.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoPendingQuestion is returned when answering a session that is not
	// waiting on the user.
	ErrNoPendingQuestion = errors.New("session has no pending question")
	// ErrRepetitiveNotification rejects a notification that repeats one of
	// the session's recent ones.
	ErrRepetitiveNotification = errors.New("message repeats a recent notification; move on to the next step or ask the user with message_ask_user")
)

const (
	recentNotifications = 5
	repeatWindow        = 3
	repeatSimilarity    = 0.7
)

// MessageEvent - emitted when a tool notifies the user mid-session
type MessageEvent struct {
	BaseEvent
	Message     string
	Attachments []string
}

func (e *MessageEvent) EventType() string { return "message" }

// QuestionEvent - emitted when a tool asks the user and waits for a reply
type QuestionEvent struct {
	BaseEvent
	Message     string
	Attachments []string
	Takeover    string
}

func (e *QuestionEvent) EventType() string { return "question" }

// Manager owns live sessions: it starts them in the background, fans their
// events out to subscribers and archives them when they end.
type Manager struct {
	controller *Controller
	archive    *memory.Archive
	listener   EventListener
	logger     logging.Logger

	mu          sync.RWMutex
	sessions    map[string]*liveSession
	subscribers map[string]map[uint64]EventListener
	nextSubID   uint64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type liveSession struct {
	session *Session
	cancel  context.CancelFunc

	mu      sync.Mutex
	notes   []string // recent notifications, oldest first
	pending chan string
}

type ManagerOption func(*Manager)

// WithArchive persists every terminated session.
func WithArchive(archive *memory.Archive) ManagerOption {
	return func(m *Manager) { m.archive = archive }
}

// WithListener receives events of every session.
func WithListener(listener EventListener) ManagerOption {
	return func(m *Manager) { m.listener = listener }
}

func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

func NewManager(controller *Controller, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		controller:  controller,
		logger:      logging.NewComponentLogger("SessionManager"),
		sessions:    make(map[string]*liveSession),
		subscribers: make(map[string]map[uint64]EventListener),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a session for goal in the background and returns it
// immediately. The session outlives ctx; use Cancel or Shutdown to stop it.
func (m *Manager) Start(_ context.Context, goal string) (*Session, error) {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	live, err := m.create(goal, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	id := live.session.ID
	async.Go(&m.wg, m.logger, "session "+id, func() {
		defer cancel()
		m.drive(runCtx, live)
	}, func(r any) {
		cancel()
		m.abort(live, fmt.Sprintf("internal error: %v", r))
	})
	return live.session, nil
}

// Run executes a session for goal and blocks until it terminates.
func (m *Manager) Run(ctx context.Context, goal string) (Snapshot, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	live, err := m.create(goal, cancel)
	if err != nil {
		return Snapshot{}, err
	}
	return m.drive(runCtx, live), nil
}

// RunAll executes one session per goal, at most limit at a time, and returns
// their snapshots in goal order. A limit of zero or less means no limit.
func (m *Manager) RunAll(ctx context.Context, goals []string, limit int) ([]Snapshot, error) {
	results := make([]Snapshot, len(goals))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, goal := range goals {
		g.Go(func() error {
			snap, err := m.Run(gctx, goal)
			if err != nil {
				return fmt.Errorf("goal %d: %w", i, err)
			}
			results[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (m *Manager) create(goal string, cancel context.CancelFunc) (*liveSession, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	live := &liveSession{
		session: m.controller.NewSession(uuid.NewString(), goal),
		cancel:  cancel,
	}
	m.mu.Lock()
	m.sessions[live.session.ID] = live
	m.mu.Unlock()
	return live, nil
}

func (m *Manager) drive(ctx context.Context, live *liveSession) Snapshot {
	snap := m.controller.Run(ctx, live.session, ListenerFunc(m.publish))
	m.settle(snap)
	return snap
}

// abort fails a session whose loop panicked and settles it like any other.
func (m *Manager) abort(live *liveSession, reason string) {
	s := live.session
	at := m.controller.now()
	if s.terminate(StatusFailed, reason, "", at) {
		m.publish(&StatusEvent{
			BaseEvent:  newBaseEvent(s.ID, at),
			Status:     StatusFailed,
			Reason:     reason,
			Iterations: s.Iterations(),
			Duration:   at.Sub(s.StartedAt),
		})
	}
	m.settle(s.Snapshot())
}

func (m *Manager) settle(snap Snapshot) {
	archived := m.persist(snap)

	m.mu.Lock()
	delete(m.subscribers, snap.ID)
	if archived {
		// Get and List serve it from the archive from now on.
		delete(m.sessions, snap.ID)
	}
	m.mu.Unlock()
}

func (m *Manager) persist(snap Snapshot) bool {
	if m.archive == nil {
		return false
	}
	// The run context may already be cancelled; the record must still land.
	if err := m.archive.Save(context.Background(), snap.Record()); err != nil {
		m.logger.Error("Failed to archive session %s: %v", snap.ID, err)
		return false
	}
	return true
}

func (m *Manager) publish(e Event) {
	if m.listener != nil {
		m.listener.OnEvent(e)
	}
	m.mu.RLock()
	subs := make([]EventListener, 0, len(m.subscribers[e.GetSessionID()]))
	for _, l := range m.subscribers[e.GetSessionID()] {
		subs = append(subs, l)
	}
	m.mu.RUnlock()
	for _, l := range subs {
		l.OnEvent(e)
	}
}

// Subscribe registers listener for one live session's events. The returned
// function removes it. Subscribing to an unknown or finished session fails.
func (m *Manager) Subscribe(sessionID string, listener EventListener) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if live.session.Status().Terminal() {
		return nil, fmt.Errorf("session %s already ended", sessionID)
	}
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[uint64]EventListener)
	}
	m.nextSubID++
	subID := m.nextSubID
	m.subscribers[sessionID][subID] = listener
	return func() {
		m.mu.Lock()
		delete(m.subscribers[sessionID], subID)
		m.mu.Unlock()
	}, nil
}

// Notify delivers a tool's message to the session's listeners. A message
// too close to one of the last few is rejected with
// ErrRepetitiveNotification.
func (m *Manager) Notify(_ context.Context, sessionID, message string, attachments []string) error {
	live, ok := m.live(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	live.mu.Lock()
	if repeatsRecent(message, live.notes) {
		live.mu.Unlock()
		m.logger.Warn("[%s] repetitive notification suppressed: %s", sessionID, message)
		return ErrRepetitiveNotification
	}
	live.notes = append(live.notes, message)
	if len(live.notes) > recentNotifications {
		live.notes = live.notes[1:]
	}
	live.mu.Unlock()

	m.publish(&MessageEvent{
		BaseEvent:   newBaseEvent(sessionID, m.controller.now()),
		Message:     message,
		Attachments: attachments,
	})
	m.logger.Info("[%s] %s", live.session.ID, message)
	return nil
}

// Ask publishes a question for the session and waits for Answer or ctx.
// One question may be pending per session. Asking resets the notification
// history.
func (m *Manager) Ask(ctx context.Context, sessionID string, q builtin.Question) (string, error) {
	live, ok := m.live(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	answer := make(chan string, 1)
	live.mu.Lock()
	if live.pending != nil {
		live.mu.Unlock()
		return "", fmt.Errorf("session %s is already waiting on an answer", sessionID)
	}
	live.pending = answer
	live.notes = nil
	live.mu.Unlock()
	defer func() {
		live.mu.Lock()
		if live.pending == answer {
			live.pending = nil
		}
		live.mu.Unlock()
	}()

	m.publish(&QuestionEvent{
		BaseEvent:   newBaseEvent(sessionID, m.controller.now()),
		Message:     q.Message,
		Attachments: q.Attachments,
		Takeover:    q.Takeover,
	})
	m.logger.Info("[%s] waiting on the user: %s", sessionID, q.Message)

	select {
	case text := <-answer:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer replies to the session's pending question.
func (m *Manager) Answer(sessionID, text string) error {
	live, ok := m.live(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	if live.pending == nil {
		return ErrNoPendingQuestion
	}
	live.pending <- text
	live.pending = nil
	return nil
}

// Waiting reports whether the session has an unanswered question.
func (m *Manager) Waiting(sessionID string) bool {
	live, ok := m.live(sessionID)
	if !ok {
		return false
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	return live.pending != nil
}

func (m *Manager) live(sessionID string) (*liveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.sessions[sessionID]
	return live, ok
}

// repeatsRecent compares message with the last few notifications position
// by position; more than 70% matching characters counts as a repeat.
func repeatsRecent(message string, recent []string) bool {
	if len(recent) > repeatWindow {
		recent = recent[len(recent)-repeatWindow:]
	}
	msg := []rune(message)
	for _, prev := range recent {
		other := []rune(prev)
		longer := max(len(msg), len(other))
		if longer == 0 {
			continue
		}
		distance := abs(len(msg) - len(other))
		for i := 0; i < min(len(msg), len(other)); i++ {
			if msg[i] != other[i] {
				distance++
			}
		}
		if 1-float64(distance)/float64(longer) > repeatSimilarity {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Cancel stops a live session; it ends with status failed.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || live.session.Status().Terminal() {
		return false
	}
	live.cancel()
	return true
}

// Get returns a live session's snapshot, falling back to the archive.
func (m *Manager) Get(ctx context.Context, sessionID string) (Snapshot, error) {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return live.session.Snapshot(), nil
	}
	if m.archive == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	rec, err := m.archive.Get(ctx, sessionID)
	if errors.Is(err, memory.ErrNotArchived) {
		return Snapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromRecord(*rec), nil
}

// List returns sessions newest first: those held in memory plus archived
// ones not already listed, up to limit (zero means no limit).
func (m *Manager) List(ctx context.Context, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	snaps := make([]Snapshot, 0, len(m.sessions))
	for _, live := range m.sessions {
		snap := live.session.Snapshot()
		snap.Turns = nil
		snaps = append(snaps, snap)
	}
	m.mu.RUnlock()

	if m.archive != nil {
		seen := make(map[string]bool, len(snaps))
		for _, s := range snaps {
			seen[s.ID] = true
		}
		records, err := m.archive.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !seen[rec.ID] {
				snap := snapshotFromRecord(rec)
				snap.Turns = nil
				snaps = append(snaps, snap)
			}
		}
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartedAt.After(snaps[j].StartedAt) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// Shutdown cancels every background session and waits for them to be
// archived, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshotFromRecord(rec memory.SessionRecord) Snapshot {
	return Snapshot{
		ID:         rec.ID,
		Goal:       rec.Goal,
		Status:     Status(rec.Status),
		Reason:     rec.Reason,
		Result:     rec.Result,
		Iterations: rec.Iterations,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Summary:    rec.Summary,
		Turns:      rec.Turns,
	}
}
