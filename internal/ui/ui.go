// Package ui renders the human-facing lines of a dev session: change
// notices and the ready banner. Structured diagnostics go to slog instead.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss/v2"
)

// clearSequence resets the terminal.
const clearSequence = "\x1bc"

var (
	actionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	stickerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 2)
)

// Printer writes styled lines to an output. It is safe for concurrent use.
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
}

// New returns a printer writing to out. A nil out discards everything.
func New(out io.Writer, noColor bool) *Printer {
	if out == nil {
		out = io.Discard
	}

	return &Printer{out: out, noColor: noColor}
}

// Change prints "<action> <path>" with a green action label.
func (p *Printer) Change(action, relativePath string) {
	p.println(p.style(actionStyle, action) + " " + relativePath)
}

// Ready prints the banner shown once the application listens.
func (p *Printer) Ready(url string, watching bool) {
	status := "disabled"
	if watching {
		status = "enabled"
	}

	p.Sticker(
		"Server address: "+p.style(valueStyle, url),
		"File system watcher: "+p.style(valueStyle, status),
	)
}

// Sticker prints lines inside a rounded box. Without color the box is
// omitted.
func (p *Printer) Sticker(lines ...string) {
	body := strings.Join(lines, "\n")
	if p.noColor {
		p.println(body)
		return
	}

	p.println(stickerStyle.Render(body))
}

// ClearScreen resets the terminal.
func (p *Printer) ClearScreen() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ClearScreen(p.out)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.noColor {
		return text
	}

	return s.Render(text)
}

func (p *Printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintln(p.out, line)
}

// ClearScreen writes the terminal reset sequence to w.
func ClearScreen(w io.Writer) {
	_, _ = io.WriteString(w, clearSequence)
}
