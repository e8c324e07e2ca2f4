// Package notify is the one-line warning channel used to tell a human
// operator about intermittent instability without failing the workflow.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Notifier receives user-facing warnings.
type Notifier interface {
	Warn(msg string)
}

var warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

// Console writes warnings to w in yellow.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Warn(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, warnStyle.Render(msg))
}

// Log forwards warnings to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Warn(msg string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(msg)
}

// Recorder keeps every warning it receives. Useful in tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *Recorder) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

// Messages returns a copy of the recorded warnings.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}
