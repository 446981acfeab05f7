// Package plan turns a model-written plan into numbered steps and keeps the
// session's todo.md checklist in step with it.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// TodoFile is the checklist's name inside the session workspace.
const TodoFile = "todo.md"

// Step is one numbered plan step.
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Done        bool   `json:"done,omitempty"`
}

// Plan is an ordered list of steps toward Goal.
type Plan struct {
	Goal  string `json:"goal,omitempty"`
	Steps []Step `json:"steps"`
}

var (
	numberedLine = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+?)\s*$`)
	todoLine     = regexp.MustCompile(`^\s*- \[([ xX])\] (\d+)\.\s+(.+?)\s*$`)
	jsonFence    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// Parse reads a plan from the model's reply: a JSON object with goal and
// steps, fenced or not, or else numbered lines. Steps without an id are
// numbered in order.
func Parse(text string) Plan {
	if p, ok := parseJSON(text); ok {
		return p
	}
	var p Plan
	for _, line := range strings.Split(text, "\n") {
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			p.Steps = append(p.Steps, Step{ID: m[1], Description: m[2]})
		}
	}
	return p
}

func parseJSON(text string) (Plan, bool) {
	candidate := strings.TrimSpace(text)
	if m := jsonFence.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return Plan{}, false
	}
	candidate = candidate[start : end+1]

	var raw struct {
		Goal  string `json:"goal"`
		Steps []struct {
			ID          any    `json:"id"`
			Description string `json:"description"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &raw) != nil {
			return Plan{}, false
		}
	}
	p := Plan{Goal: strings.TrimSpace(raw.Goal)}
	for i, s := range raw.Steps {
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			continue
		}
		id := strings.TrimSpace(fmt.Sprint(s.ID))
		if s.ID == nil || id == "" {
			id = strconv.Itoa(i + 1)
		}
		p.Steps = append(p.Steps, Step{ID: id, Description: desc})
	}
	return p, len(p.Steps) > 0
}

// Fallback is the generic plan used when the model's plan has no steps.
func Fallback(goal string) Plan {
	steps := []string{
		"Understand the task and its requirements",
		"Gather the information needed",
		"Plan the code or tool runs",
		"Carry out the solution",
		"Verify the results",
		"Present the result to the user",
	}
	p := Plan{Goal: goal}
	for i, s := range steps {
		p.Steps = append(p.Steps, Step{ID: strconv.Itoa(i + 1), Description: s})
	}
	return p
}

// FromSteps numbers descriptions in order, skipping blanks.
func FromSteps(goal string, descriptions []string) Plan {
	p := Plan{Goal: goal}
	for _, d := range descriptions {
		if d = strings.TrimSpace(d); d != "" {
			p.Steps = append(p.Steps, Step{ID: strconv.Itoa(len(p.Steps) + 1), Description: d})
		}
	}
	return p
}

// Markdown renders the plan as a todo.md checklist.
func (p Plan) Markdown() string {
	var b strings.Builder
	b.WriteString("# Todo\n\n")
	if p.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", p.Goal)
	}
	for _, s := range p.Steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s. %s\n", mark, s.ID, s.Description)
	}
	return b.String()
}

// Remaining counts steps not yet done.
func (p Plan) Remaining() int {
	n := 0
	for _, s := range p.Steps {
		if !s.Done {
			n++
		}
	}
	return n
}

// ParseTodo reads a checklist written by Markdown back into a plan.
func ParseTodo(text string) Plan {
	var p Plan
	for _, line := range strings.Split(text, "\n") {
		if goal, ok := strings.CutPrefix(line, "Goal: "); ok && p.Goal == "" {
			p.Goal = strings.TrimSpace(goal)
			continue
		}
		if m := todoLine.FindStringSubmatch(line); m != nil {
			p.Steps = append(p.Steps, Step{ID: m[2], Description: m[3], Done: m[1] != " "})
		}
	}
	return p
}
