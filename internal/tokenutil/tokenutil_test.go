package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateFast_Empty(t *testing.T) {
	if got := EstimateFast("   \n\t  "); got != 0 {
		t.Errorf("EstimateFast(whitespace) = %d, want 0", got)
	}
}

func TestEstimateFast_MinWordCount(t *testing.T) {
	// 4 words, 7 runes: runes/4 = 1, word count wins.
	if got := EstimateFast("a b c d"); got != 4 {
		t.Errorf("EstimateFast(\"a b c d\") = %d, want 4", got)
	}
}

func TestEstimateFast_LongWord(t *testing.T) {
	if got := EstimateFast(strings.Repeat("x", 40)); got != 10 {
		t.Errorf("EstimateFast(40 runes) = %d, want 10", got)
	}
}

func TestTruncate_NoTruncation(t *testing.T) {
	if got := Truncate(Heuristic, "short", 100); got != "short" {
		t.Errorf("Truncate = %q, want unchanged", got)
	}
	if got := Truncate(Heuristic, "anything", 0); got != "anything" {
		t.Errorf("Truncate with zero max = %q, want unchanged", got)
	}
}

func TestTruncate_ActualTruncation(t *testing.T) {
	text := strings.Repeat("hello world ", 100)
	got := Truncate(Heuristic, text, 5)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated result should end with '...', got %q", got)
	}
	if n := Heuristic.Count(strings.TrimSuffix(got, "...")); n > 5 {
		t.Fatalf("truncated text has %d tokens, want <= 5", n)
	}
}

func TestCounterFunc(t *testing.T) {
	c := CounterFunc(func(s string) int { return len(s) })
	if c.Count("abc") != 3 {
		t.Fatalf("CounterFunc did not delegate")
	}
}
