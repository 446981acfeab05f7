package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentcore/internal/observability"
	"agentcore/internal/tokenutil"
)

// Summarizer condenses turns into text, extending an earlier summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, previous string, turns []Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	return f(ctx, previous, turns)
}

// ExtractiveSummarizer keeps one line per turn: tool, status and the first
// line of output or error.
type ExtractiveSummarizer struct {
	LineRunes int // per-line cap, default 160
	MaxLines  int // oldest lines drop first, default 200
}

func (s ExtractiveSummarizer) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lineRunes := s.LineRunes
	if lineRunes <= 0 {
		lineRunes = 160
	}
	maxLines := s.MaxLines
	if maxLines <= 0 {
		maxLines = 200
	}

	var lines []string
	if previous != "" {
		lines = strings.Split(previous, "\n")
	}
	for _, turn := range turns {
		detail := turn.Output
		if turn.Status != StatusOK && turn.Error != "" {
			detail = turn.Error
		}
		detail, _, _ = strings.Cut(strings.TrimSpace(detail), "\n")
		if r := []rune(detail); len(r) > lineRunes {
			detail = string(r[:lineRunes]) + "..."
		}
		line := fmt.Sprintf("- [%d] %s -> %s", turn.Iteration, turn.Tool, turn.Status)
		if detail != "" {
			line += ": " + detail
		}
		lines = append(lines, line)
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// WindowConfig configures a Window.
type WindowConfig struct {
	KeepRecent int
	Budget     int
	Counter    tokenutil.Counter
	Summarizer Summarizer
	Metrics    *observability.MemoryMetrics
}

// View is what the model sees of a transcript.
type View struct {
	Summary string
	Turns   []Turn
	Dropped int    // raw turns cut to fit the budget
	Tokens  int
}

// Window is the bounded working context over a transcript: a summary of the
// folded prefix plus the raw turns after it. It never modifies the
// transcript.
type Window struct {
	mu      sync.Mutex
	config  WindowConfig
	summary string
	folded  int
}

// NewWindow creates a window; zero config fields take defaults.
func NewWindow(config WindowConfig) *Window {
	if config.KeepRecent <= 0 {
		config.KeepRecent = 10
	}
	if config.Budget <= 0 {
		config.Budget = 24000
	}
	if config.Counter == nil {
		config.Counter = tokenutil.Default()
	}
	if config.Summarizer == nil {
		config.Summarizer = ExtractiveSummarizer{}
	}
	return &Window{config: config}
}

// Summary returns the current summary text.
func (w *Window) Summary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summary
}

// Folded returns how many leading turns the summary covers.
func (w *Window) Folded() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.folded
}

// OverBudget reports whether the current view exceeds the token budget.
func (w *Window) OverBudget(t *Transcript) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokensLocked(t.Turns()) > w.config.Budget
}

func (w *Window) tokensLocked(turns []Turn) int {
	total := w.config.Counter.Count(w.summary)
	for _, turn := range turns[min(w.folded, len(turns)):] {
		total += w.config.Counter.Count(turn.Text())
	}
	return total
}

// Summarize folds every turn older than the keep-recent tail into the
// summary. On failure the window is left unchanged and the error returned.
func (w *Window) Summarize(ctx context.Context, t *Transcript) (string, error) {
	turns := t.Turns()

	w.mu.Lock()
	previous, start := w.summary, w.folded
	w.mu.Unlock()

	end := len(turns) - w.config.KeepRecent
	if end <= start {
		return previous, nil
	}
	summary, err := w.config.Summarizer.Summarize(ctx, previous, turns[start:end])
	if err != nil {
		w.config.Metrics.RecordSummarization(false)
		return previous, fmt.Errorf("summarize turns %d-%d: %w", start, end-1, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		w.config.Metrics.RecordSummarization(false)
		return previous, fmt.Errorf("summarizer returned empty text")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// The loop is the only caller per session; a concurrent fold would
	// already have moved past start.
	if w.folded != start {
		return w.summary, nil
	}
	w.summary = summary
	w.folded = end
	w.config.Metrics.RecordSummarization(true)
	return summary, nil
}

// View returns the summary and raw tail. When the tail alone exceeds the
// budget the oldest raw turns are dropped from the view, never fewer than
// one turn kept.
func (w *Window) View(t *Transcript) View {
	turns := t.Turns()

	w.mu.Lock()
	defer w.mu.Unlock()

	tail := turns[min(w.folded, len(turns)):]
	counts := make([]int, len(tail))
	total := w.config.Counter.Count(w.summary)
	for i, turn := range tail {
		counts[i] = w.config.Counter.Count(turn.Text())
		total += counts[i]
	}
	dropped := 0
	for total > w.config.Budget && len(tail)-dropped > 1 {
		total -= counts[dropped]
		dropped++
	}
	w.config.Metrics.RecordWindowTokens(total)
	return View{
		Summary: w.summary,
		Turns:   append([]Turn(nil), tail[dropped:]...),
		Dropped: dropped,
		Tokens:  total,
	}
}
