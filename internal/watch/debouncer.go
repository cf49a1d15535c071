package watch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/devloop/internal/classify"
)

// Debouncer coalesces a burst of restart-worthy changes into a single
// callback invocation carrying the last change seen.
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func(ev classify.Event)
	last     classify.Event
	seq      uint64
	stopped  bool
}

// NewDebouncer creates a debouncer that waits for interval of quiet before
// firing callback.
func NewDebouncer(interval time.Duration, callback func(ev classify.Event)) *Debouncer {
	return &Debouncer{
		interval: interval,
		callback: callback,
	}
}

// Trigger records ev. If no further change arrives within the interval the
// callback fires with the last one. Trigger after Stop is a no-op.
func (d *Debouncer) Trigger(ev classify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.last = ev
	d.seq++
	seq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.interval, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("debouncer callback panicked", slog.Any("error", r))
			}
		}()

		d.mu.Lock()
		// A newer Trigger or Stop superseded this timer.
		if d.stopped || seq != d.seq {
			d.mu.Unlock()
			return
		}

		last := d.last
		d.mu.Unlock()

		d.callback(last)
	})
}

// Stop cancels any pending callback and disables the debouncer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
