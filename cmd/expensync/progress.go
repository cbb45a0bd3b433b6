package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/TheMichaelB/expensync/internal/models"
)

// ProgressDisplay renders sync progress. On a terminal it redraws a single
// status line; otherwise it prints one line per step.
type ProgressDisplay struct {
	mu          sync.Mutex
	interactive bool
	width       int
	target      string
	step        models.SyncStep
	errors      []string
	drawn       bool
}

// NewProgressDisplay detects whether stdout is a terminal.
func NewProgressDisplay() *ProgressDisplay {
	fd := int(os.Stdout.Fd())
	p := &ProgressDisplay{interactive: term.IsTerminal(fd), width: 80}
	if p.interactive {
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			p.width = w
		}
	}
	return p
}

// Update shows a progress snapshot.
func (p *ProgressDisplay) Update(progress models.SyncProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newStep := progress.Step != p.step || progress.Target != p.target
	p.step = progress.Step
	p.target = progress.Target

	if !p.interactive {
		if newStep {
			fmt.Printf("[%s] %s\n", progress.Target, progress.Step.Label())
		}
		return
	}

	line := fmt.Sprintf("[%s] %s", progress.Target, progress.Step.Label())
	if progress.Total > 0 {
		line += fmt.Sprintf(" %s %d/%d", bar(progress.Percent(), 20), progress.Completed, progress.Total)
	}
	if progress.CurrentItem != "" {
		line += " " + progress.CurrentItem
	}
	if len(line) > p.width-1 {
		line = line[:p.width-1]
	}
	fmt.Printf("\r\033[K%s", line)
	p.drawn = true
}

// AddError records a per-expense failure and prints it above the status line.
func (p *ProgressDisplay) AddError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errors = append(p.errors, msg)
	if p.interactive && p.drawn {
		fmt.Print("\r\033[K")
	}
	warnColor.Fprintf(os.Stderr, "  ! %s\n", msg)
}

// Errors returns the recorded failures.
func (p *ProgressDisplay) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errors...)
}

// Close ends the status line.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interactive && p.drawn {
		fmt.Println()
		p.drawn = false
	}
}

func bar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}
