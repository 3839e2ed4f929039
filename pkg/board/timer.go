package board

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/goeis/pkg/fault"
	"periph.io/x/conn/v3/physic"
)

// ManualTimer delivers ticks only when Advance is called. It lets tests and
// offline simulations step the detector deterministically.
type ManualTimer struct {
	mu        sync.Mutex
	frequency physic.Frequency
	fn        func()
	enabled   atomic.Bool
}

// NewManualTimer creates a disabled manual timer.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

// Configure records the tick frequency.
func (t *ManualTimer) Configure(frequency physic.Frequency) error {
	if frequency <= 0 {
		return fmt.Errorf("%w: tick frequency %s", fault.ErrInvalidData, frequency)
	}
	t.mu.Lock()
	t.frequency = frequency
	t.mu.Unlock()
	return nil
}

// Frequency returns the configured tick frequency.
func (t *ManualTimer) Frequency() physic.Frequency {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frequency
}

// OnTick registers the tick callback.
func (t *ManualTimer) OnTick(fn func()) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

// Enable arms the tick path.
func (t *ManualTimer) Enable() { t.enabled.Store(true) }

// Disable disarms the tick path.
func (t *ManualTimer) Disable() { t.enabled.Store(false) }

// Enabled reports whether the timer is armed.
func (t *ManualTimer) Enabled() bool { return t.enabled.Load() }

// Advance delivers up to n ticks, stopping early when the timer gets
// disabled. It returns the number of ticks delivered.
func (t *ManualTimer) Advance(n int) int {
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()
	if fn == nil {
		return 0
	}

	delivered := 0
	for delivered < n && t.enabled.Load() {
		fn()
		delivered++
	}
	return delivered
}

// SimTimer free-runs the tick callback on its own goroutine in bursts,
// standing in for the hardware timer interrupt.
type SimTimer struct {
	burst int
	pace  time.Duration

	mu        sync.Mutex
	frequency physic.Frequency
	fn        func()
	enabled   atomic.Bool
	wake      chan struct{}
	ticks     atomic.Uint64
}

// NewSimTimer creates a simulated timer that delivers burst ticks and then
// sleeps for pace.
func NewSimTimer(burst int, pace time.Duration) *SimTimer {
	if burst <= 0 {
		burst = 256
	}
	return &SimTimer{
		burst: burst,
		pace:  pace,
		wake:  make(chan struct{}, 1),
	}
}

// Configure records the tick frequency.
func (t *SimTimer) Configure(frequency physic.Frequency) error {
	if frequency <= 0 {
		return fmt.Errorf("%w: tick frequency %s", fault.ErrInvalidData, frequency)
	}
	t.mu.Lock()
	t.frequency = frequency
	t.mu.Unlock()
	return nil
}

// OnTick registers the tick callback.
func (t *SimTimer) OnTick(fn func()) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

// Enable arms the tick path and wakes the tick goroutine.
func (t *SimTimer) Enable() {
	t.enabled.Store(true)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Disable disarms the tick path.
func (t *SimTimer) Disable() { t.enabled.Store(false) }

// Ticks returns the number of ticks delivered so far.
func (t *SimTimer) Ticks() uint64 { return t.ticks.Load() }

// Run delivers ticks until ctx is cancelled.
func (t *SimTimer) Run(ctx context.Context) {
	for {
		if !t.enabled.Load() {
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}

		t.mu.Lock()
		fn := t.fn
		t.mu.Unlock()

		for i := 0; i < t.burst && t.enabled.Load(); i++ {
			if fn != nil {
				fn()
			}
			t.ticks.Add(1)
		}

		if t.pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pace):
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
				runtime.Gosched()
			}
		}
	}
}
