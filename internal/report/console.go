// Package report renders bridge events for a terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/zjrosen/testbridge/internal/events"
)

// Summary counts final test results.
type Summary struct {
	Passed  int
	Failed  int
	Errored int
	Skipped int
	Other   int
}

// Total returns the number of finished tests.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Errored + s.Skipped + s.Other
}

// HasFailures reports whether any test failed or errored.
func (s Summary) HasFailures() bool {
	return s.Failed > 0 || s.Errored > 0
}

func (s Summary) String() string {
	parts := []string{
		fmt.Sprintf("%d passed", s.Passed),
		fmt.Sprintf("%d failed", s.Failed),
		fmt.Sprintf("%d errors", s.Errored),
	}
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", s.Skipped))
	}
	if s.Other > 0 {
		parts = append(parts, fmt.Sprintf("%d other", s.Other))
	}
	return strings.Join(parts, ", ")
}

type consoleStyles struct {
	pass    lipgloss.Style
	fail    lipgloss.Style
	skip    lipgloss.Style
	running lipgloss.Style
	muted   lipgloss.Style
	detail  lipgloss.Style
	summary lipgloss.Style
}

func newConsoleStyles(r *lipgloss.Renderer) consoleStyles {
	return consoleStyles{
		pass:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}).Bold(true),
		fail:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}).Bold(true),
		skip:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#F0A500", Dark: "#FFD93D"}),
		running: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#54A0FF", Dark: "#54A0FF"}),
		muted:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8C8C8C", Dark: "#6C6C6C"}),
		detail:  r.NewStyle().PaddingLeft(4),
		summary: r.NewStyle().Bold(true),
	}
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithNoColor forces plain ASCII output.
func WithNoColor() ConsoleOption {
	return func(c *Console) {
		c.renderer.SetColorProfile(termenv.Ascii)
	}
}

// WithVerbose also prints running events and captured output.
func WithVerbose(verbose bool) ConsoleOption {
	return func(c *Console) {
		c.verbose = verbose
	}
}

// Console is an events.Observer that prints one line per finished test
// and a summary when the bridge is disposed.
type Console struct {
	renderer *lipgloss.Renderer
	verbose  bool

	mu      sync.Mutex
	w       io.Writer
	styles  consoleStyles
	summary Summary
	done    chan struct{}
	closed  bool
}

// NewConsole creates a Console writing to w. Color support is detected
// from w unless WithNoColor is given.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{
		renderer: lipgloss.NewRenderer(w),
		w:        w,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.styles = newConsoleStyles(c.renderer)
	return c
}

// OnTest implements events.Observer.
func (c *Console) OnTest(event events.TestEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := events.Status(strings.ToLower(string(event.Status)))
	var label string
	switch status {
	case events.StatusRunning:
		if c.verbose {
			fmt.Fprintf(c.w, "%s %s\n", c.styles.running.Render("RUN "), c.describe(event))
		}
		return
	case events.StatusOK:
		c.summary.Passed++
		label = c.styles.pass.Render("PASS")
	case events.StatusFail:
		c.summary.Failed++
		label = c.styles.fail.Render("FAIL")
	case events.StatusError:
		c.summary.Errored++
		label = c.styles.fail.Render("ERR ")
	case events.StatusSkip:
		c.summary.Skipped++
		label = c.styles.skip.Render("SKIP")
	default:
		c.summary.Other++
		label = c.styles.muted.Render(fmt.Sprintf("%-4s", strings.ToUpper(string(event.Status))))
	}

	fmt.Fprintf(c.w, "%s %s\n", label, c.describe(event))

	if event.ErrorContents != "" && status.IsFailure() {
		fmt.Fprintln(c.w, c.styles.detail.Render(strings.TrimRight(event.ErrorContents, "\n")))
	}
	if c.verbose && event.CapturedOutput != "" {
		fmt.Fprintln(c.w, c.styles.detail.Render(c.styles.muted.Render(strings.TrimRight(event.CapturedOutput, "\n"))))
	}
}

func (c *Console) describe(event events.TestEvent) string {
	if event.Location == "" {
		return event.Test
	}
	return event.Test + " " + c.styles.muted.Render("("+event.Location+")")
}

// OnDispose implements events.Observer.
func (c *Console) OnDispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	line := c.summary.String()
	if c.summary.HasFailures() {
		line = c.styles.fail.Render(line)
	} else {
		line = c.styles.pass.Render(line)
	}
	fmt.Fprintf(c.w, "\n%s %s\n", c.styles.summary.Render("Results:"), line)
	close(c.done)
}

// Summary returns the counts so far.
func (c *Console) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Done is closed after the summary is printed.
func (c *Console) Done() <-chan struct{} {
	return c.done
}
