// Package report prints one line per analysis strategy.
package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Printer writes strategy outcomes to an output, styling them when the
// output is a terminal.
type Printer struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *lipgloss.Renderer
	failed   int
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, renderer: lipgloss.NewRenderer(out)}
}

// Line formats an outcome without styling.
func Line(strategy, text string, err error) string {
	if err != nil {
		return fmt.Sprintf("[%s] failed: %v", strategy, err)
	}
	return fmt.Sprintf("[%s] %s", strategy, text)
}

// Print writes the outcome of one strategy; err marks it as failed.
func (p *Printer) Print(strategy, text string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := Styles.Strategy.Renderer(p.renderer).Render("[" + strategy + "]")
	var body string
	if err != nil {
		p.failed++
		body = Styles.Error.Renderer(p.renderer).Render(fmt.Sprintf("failed: %v", err))
	} else {
		body = Styles.Success.Renderer(p.renderer).Render(text)
	}
	fmt.Fprintf(p.out, "%s %s\n", label, body)
}

// Failed returns the number of failed strategies printed so far.
func (p *Printer) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}
