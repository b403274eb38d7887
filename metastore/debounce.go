/* SPDX-License-Identifier: BSD-2-Clause */

package metastore

import (
	"sync"
	"time"
)

// Debouncer schedules a save 500-1000ms after the last call to Touch,
// coalescing bursts of RangeSet mutations into a single write. No pack
// example carries a scheduling primitive at this granularity, so this is
// built directly on time.AfterFunc (see the project's grounding ledger for
// the standard-library justification).
type Debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	fn     func()
	timer  *time.Timer
	closed bool
}

// NewDebouncer returns a Debouncer that invokes fn no sooner than delay
// after the last Touch call. delay should be in [500ms, 1000ms] per the
// save policy; callers pick a fixed point in that window.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Touch (re)schedules the debounced call, cancelling any pending one.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Flush cancels any pending timer and invokes fn immediately, used on
// pause (StopBackground) and shutdown (Dispose) where the save policy calls
// for an immediate write rather than waiting out the debounce window. On
// completion no save is flushed: promotion deletes the meta file instead.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	fn := d.fn
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		fn()
	}
}

// Stop cancels any pending timer and prevents future scheduling. Used when
// a resource is removed so no save races its deletion.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
