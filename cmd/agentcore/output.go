package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"agentcore/internal/agent"
	"agentcore/internal/memory"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// maxOutputLines caps tool output echoed per turn.
const maxOutputLines = 12

// turnPrinter writes session events as they happen.
type turnPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newTurnPrinter(out io.Writer) *turnPrinter {
	return &turnPrinter{out: out}
}

func (p *turnPrinter) OnEvent(e agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := e.(type) {
	case *agent.TurnEvent:
		fmt.Fprint(p.out, formatTurn(ev.Turn))
	case *agent.SummaryEvent:
		if ev.Degraded {
			fmt.Fprintf(p.out, "%s context summarization failed; continuing unsummarized\n", yellow("!"))
		} else {
			fmt.Fprintf(p.out, "%s folded %d turns into the summary\n", cyan("~"), ev.Folded)
		}
	case *agent.MessageEvent:
		fmt.Fprintf(p.out, "%s %s\n", blue("message:"), ev.Message)
		for _, a := range ev.Attachments {
			fmt.Fprintf(p.out, "   %s\n", gray(a))
		}
	case *agent.PlanEvent:
		fmt.Fprintf(p.out, "%s %d steps, %d open\n", cyan("plan:"), len(ev.Plan.Steps), ev.Plan.Remaining())
		for _, s := range ev.Plan.Steps {
			mark := "[ ]"
			if s.Done {
				mark = "[x]"
			}
			fmt.Fprintf(p.out, "   %s %s. %s\n", gray(mark), s.ID, s.Description)
		}
	}
}

// questionPrompter answers message_ask_user questions from the terminal.
type questionPrompter struct {
	in     *bufio.Reader
	out    io.Writer
	answer func(sessionID, text string) error
}

func newQuestionPrompter(in io.Reader, out io.Writer) *questionPrompter {
	return &questionPrompter{in: bufio.NewReader(in), out: out}
}

func (q *questionPrompter) OnEvent(e agent.Event) {
	ev, ok := e.(*agent.QuestionEvent)
	if !ok || q.answer == nil {
		return
	}
	fmt.Fprintf(q.out, "%s %s\n", yellow("question:"), ev.Message)
	for _, a := range ev.Attachments {
		fmt.Fprintf(q.out, "   %s\n", gray(a))
	}
	if ev.Takeover != "" && ev.Takeover != "none" {
		fmt.Fprintf(q.out, "   %s\n", gray("suggested takeover: "+ev.Takeover))
	}
	// The loop is blocked inside the tool until the answer arrives.
	go func() {
		fmt.Fprint(q.out, bold("> "))
		line, err := q.in.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		if err := q.answer(ev.GetSessionID(), strings.TrimSpace(line)); err != nil {
			fmt.Fprintf(q.out, "%s %v\n", yellow("answer not delivered:"), err)
		}
	}()
}

func formatTurn(t memory.Turn) string {
	var b strings.Builder
	marker := green("●")
	if t.Status != memory.StatusOK {
		marker = red("●")
	}
	fmt.Fprintf(&b, "%s %s %s\n", marker, bold(t.Tool), gray(fmt.Sprintf("#%d", t.Iteration)))

	body := t.Output
	if t.Error != "" {
		body = t.Error
	}
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) > maxOutputLines {
		hidden := len(lines) - maxOutputLines
		lines = append(lines[:maxOutputLines], fmt.Sprintf("... %d more lines", hidden))
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "  ⎿ %s\n", gray(line))
	}
	for _, a := range t.Artifacts {
		fmt.Fprintf(&b, "  %s %s\n", cyan("artifact"), a)
	}
	return b.String()
}

func formatStatus(snap agent.Snapshot) string {
	var status string
	switch snap.Status {
	case agent.StatusCompleted:
		status = green(string(snap.Status))
	case agent.StatusFailed:
		status = red(string(snap.Status))
	default:
		status = yellow(string(snap.Status))
	}
	line := fmt.Sprintf("%s %s after %d iterations", bold("Session"), status, snap.Iterations)
	if snap.Reason != "" {
		line += gray(" (" + snap.Reason + ")")
	}
	line += "\n"
	if snap.Result != "" {
		line += fmt.Sprintf("\n%s\n", snap.Result)
	}
	return line
}
