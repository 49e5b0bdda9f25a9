package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProgressReporter reports progress of a bulk operation such as an import.
type ProgressReporter interface {
	Start(total int)
	Update(done int)
	Finish()
	Error(err error)
}

// SimpleProgress draws a single-line bar, redrawn in place.
type SimpleProgress struct {
	mu      sync.Mutex
	total   int
	done    int
	started time.Time
	writer  io.Writer
	now     func() time.Time
}

// NewProgressReporter creates a reporter writing to w, or os.Stderr if w is nil.
func NewProgressReporter(w io.Writer) *SimpleProgress {
	if w == nil {
		w = os.Stderr
	}
	return &SimpleProgress{writer: w, now: time.Now}
}

// Start resets the reporter for total items.
func (p *SimpleProgress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.done = 0
	p.started = p.now()
	p.render()
}

// Update records done items so far.
func (p *SimpleProgress) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = done
	p.render()
}

// Finish completes the bar and ends the line.
func (p *SimpleProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = p.total
	p.render()
	fmt.Fprintln(p.writer)
}

// Error prints err on its own line.
func (p *SimpleProgress) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.writer, "\nError: %v\n", err)
}

const barWidth = 40

func (p *SimpleProgress) render() {
	if p.total <= 0 {
		return
	}

	ratio := float64(p.done) / float64(p.total)
	filled := int(ratio * barWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	var rate float64
	if elapsed := p.now().Sub(p.started).Seconds(); elapsed > 0 {
		rate = float64(p.done) / elapsed
	}
	fmt.Fprintf(p.writer, "\r[%s] %5.1f%% (%d/%d) %.1f records/s", bar, ratio*100, p.done, p.total, rate)
}
