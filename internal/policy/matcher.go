package policy

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/danwakefield/fnmatch"
)

// Matcher reports the first blocked pattern a text matches.
type Matcher interface {
	Match(text string) (pattern string, ok bool)
	Strategy() string
}

// NewMatcher compiles patterns under the named strategy. Empty and malformed
// patterns are rejected.
func NewMatcher(strategy string, patterns []string) (Matcher, error) {
	for i, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("pattern %d is empty", i)
		}
	}
	switch strategy {
	case StrategySubstring, "":
		lowered := make([]string, len(patterns))
		for i, p := range patterns {
			lowered[i] = strings.ToLower(p)
		}
		return &substringMatcher{patterns: patterns, lowered: lowered}, nil
	case StrategyGlob:
		for _, p := range patterns {
			if err := validateGlob(p); err != nil {
				return nil, fmt.Errorf("invalid glob %q: %w", p, err)
			}
		}
		return &globMatcher{patterns: append([]string(nil), patterns...)}, nil
	case StrategyRegex:
		compiled := make([]*regexp.Regexp, len(patterns))
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", p, err)
			}
			compiled[i] = re
		}
		return &regexMatcher{patterns: compiled}, nil
	default:
		return nil, fmt.Errorf("unknown matcher strategy %q", strategy)
	}
}

type substringMatcher struct {
	patterns []string
	lowered  []string
}

func (m *substringMatcher) Strategy() string { return StrategySubstring }

func (m *substringMatcher) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for i, p := range m.lowered {
		if strings.Contains(lower, p) {
			return m.patterns[i], true
		}
	}
	return "", false
}

type globMatcher struct {
	patterns []string
}

func (m *globMatcher) Strategy() string { return StrategyGlob }

// Match tries the whole text, each line, and each whitespace-separated token.
func (m *globMatcher) Match(text string) (string, bool) {
	candidates := []string{text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != text {
			candidates = append(candidates, line)
		}
		candidates = append(candidates, strings.Fields(line)...)
	}
	for _, p := range m.patterns {
		for _, c := range candidates {
			if fnmatch.Match(p, c, fnmatch.FNM_CASEFOLD) {
				return p, true
			}
		}
	}
	return "", false
}

// validateGlob walks a pattern the way fnmatch does. fnmatch never reports
// errors: a bracket expression without a closing ']' or with nothing inside
// silently matches nothing, which would disable the pattern.
func validateGlob(pattern string) error {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '^' || pattern[j] == '!') {
				j++
			}
			start := j
			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(pattern) {
				return fmt.Errorf("unterminated bracket expression at offset %d", i)
			}
			if j == start {
				return fmt.Errorf("empty bracket expression at offset %d", i)
			}
			i = j
		}
	}
	return nil
}

type regexMatcher struct {
	patterns []*regexp.Regexp
}

func (m *regexMatcher) Strategy() string { return StrategyRegex }

func (m *regexMatcher) Match(text string) (string, bool) {
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

// DomainSet matches hosts against blocked domains, subdomains included.
type DomainSet struct {
	domains []string
}

func newDomainSet(domains []string) (DomainSet, error) {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		norm := normalizeHost(d)
		if norm == "" {
			return DomainSet{}, fmt.Errorf("blocked domain %q is empty", d)
		}
		if strings.ContainsAny(norm, " /\\@") {
			return DomainSet{}, fmt.Errorf("blocked domain %q is not a host name", d)
		}
		out = append(out, norm)
	}
	return DomainSet{domains: out}, nil
}

// Blocked returns the blocked domain that host falls under.
func (s DomainSet) Blocked(host string) (string, bool) {
	h := normalizeHost(host)
	if h == "" {
		return "", false
	}
	for _, d := range s.domains {
		if h == d || strings.HasSuffix(h, "."+d) {
			return d, true
		}
	}
	return "", false
}

// Domains returns the normalized domain list.
func (s DomainSet) Domains() []string {
	return append([]string(nil), s.domains...)
}

// Empty reports whether nothing is blocked.
func (s DomainSet) Empty() bool { return len(s.domains) == 0 }

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if hostOnly, _, err := net.SplitHostPort(h); err == nil {
		h = hostOnly
	}
	h = strings.TrimPrefix(h, "*.")
	return strings.Trim(h, ".[]")
}
