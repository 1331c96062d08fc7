package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
)

// Bar shows replay progress over the thread roots. A nil or disabled Bar
// does nothing. Output goes to stderr, never to stdout, which carries the
// generated credentials.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	out     io.Writer
	total   int
	enabled bool
}

// New starts a progress bar on stderr over total roots when enabled.
func New(total int, enabled bool) *Bar {
	return NewWithWriter(total, enabled, os.Stderr)
}

// NewWithWriter starts a progress bar that writes to w.
func NewWithWriter(total int, enabled bool, w io.Writer) *Bar {
	bar := &Bar{out: w, total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Replaying threads").
		WithShowElapsedTime(false).
		WithWriter(w).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Step advances the bar by one root and shows its subject.
func (b *Bar) Step(subject string) {
	if b == nil || !b.enabled || b.pb == nil {
		return
	}

	display := subject
	if len([]rune(display)) > 40 {
		display = string([]rune(display)[:37]) + "..."
	}
	b.pb.UpdateTitle("Replaying: " + display)
	b.pb.Increment()
}

// Stop finalizes a completed replay.
func (b *Bar) Stop() {
	if b == nil || !b.enabled || b.pb == nil {
		return
	}

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.WithWriter(b.out).Println("Replay complete!")
}

// Fail stops the bar where it is and prints the failure instead of the
// completion line.
func (b *Bar) Fail(format string, args ...any) {
	if b == nil || !b.enabled || b.pb == nil {
		return
	}

	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Error.WithWriter(b.out).Println(fmt.Sprintf(format, args...))
}
