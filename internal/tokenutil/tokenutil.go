// Package tokenutil counts tokens with tiktoken-go's cl100k_base encoding,
// loaded on first use. When the encoding cannot be loaded the package falls
// back to a character-based heuristic.
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Heuristic is a Counter that never touches the encoder.
var Heuristic Counter = CounterFunc(EstimateFast)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

type tiktokenCounter struct{}

func (tiktokenCounter) Count(text string) int { return CountTokens(text) }

// Default returns the tiktoken-backed counter.
func Default() Counter { return tiktokenCounter{} }

// CountTokens returns the cl100k_base token count, or EstimateFast when the
// encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word count), at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate cuts text to roughly maxTokens as measured by counter and appends
// an ellipsis when anything was dropped. maxTokens <= 0 is a no-op.
func Truncate(counter Counter, text string, maxTokens int) string {
	if maxTokens <= 0 || counter.Count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + "..."
}
