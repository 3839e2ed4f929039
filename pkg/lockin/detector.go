// Package lockin implements a synchronous (lock-in) phasor detector driven by
// a periodic timer tick.
//
// Every tick correlates the previous conversion against a rotating unit
// phasor and emits the next excitation sample from the same phasor. The
// phasor is advanced by one complex multiply per tick and re-seeded from a
// coarse macro phasor at every sub-window boundary, which bounds the
// accumulated rounding error to one sub-window.
package lockin

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/itohio/goeis/pkg/board"
	"github.com/itohio/goeis/pkg/fault"
	"periph.io/x/conn/v3/physic"
)

var (
	ErrNotReady      = fmt.Errorf("%w: detector is not set up", fault.ErrUsage)
	ErrOperating     = fmt.Errorf("%w: detector is operating", fault.ErrUsage)
	ErrInvalidConfig = fmt.Errorf("%w: invalid detector configuration", fault.ErrInvalidData)
)

// maxBusyPolls bounds the wait for the converter to go idle.
const maxBusyPolls = 1 << 16

// State is the detector lifecycle state.
type State uint32

const (
	Uninitialized State = iota
	Ready
	Operating
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Operating:
		return "operating"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Converter is the part of the analog front end the tick drives.
type Converter interface {
	ReadConversion() int16
	TriggerConversion()
	WriteExcitation(code uint16)
	Busy() bool
}

// Config holds the detector timing.
type Config struct {
	TickFrequency physic.Frequency
	SubWindow     uint32 // Power of two
}

// DefaultConfig returns the instrument timing: 400 kHz ticks folded every
// 65536 ticks.
func DefaultConfig() Config {
	return Config{
		TickFrequency: 400 * physic.KiloHertz,
		SubWindow:     65536,
	}
}

// Measurement describes one single-frequency measurement.
type Measurement struct {
	Frequency     float64 // Hz
	Cycles        uint32
	AmplitudeCode uint16 // Peak-to-peak excitation in signal DAC counts
}

// Stats are per-measurement diagnostics.
type Stats struct {
	Dropped  uint64  // Ticks skipped while the consumer held the lock
	Overruns uint64  // Sub-windows latched before the previous one was consumed
	Folds    uint32  // Sub-windows folded into the totals
	Drift    float32 // Deviation of the macro phasor magnitude from 1 at completion
}

// Detector is a lock-in phasor detector.
//
// Tick runs in the timer context and never blocks: if the cooperative side
// holds the lock the tick is dropped. Every other method runs in the single
// cooperative context.
type Detector struct {
	conv   Converter
	timer  board.Timer
	cfg    Config
	tickHz float64
	mask   uint32

	state    atomic.Uint32
	lock     atomic.Bool
	ready    atomic.Bool
	dropped  atomic.Uint64
	overruns atomic.Uint64

	// Owned by whoever holds lock.
	window     Window
	onComplete func()
	coeff      float32
	micro      Phasor
	macroStep  Phasor
	initial    Phasor
	fine       Phasor
	macro      Phasor
	ticks      uint32
	subX, subY float32
	latchX     float32
	latchY     float32
	sumX, sumY float64
	folds      uint32
	drift      float32
}

// New creates a detector and registers its Tick with the timer.
func New(conv Converter, timer board.Timer, cfg Config) (*Detector, error) {
	if conv == nil || timer == nil {
		return nil, fmt.Errorf("%w: converter and timer are required", ErrInvalidConfig)
	}
	if cfg.TickFrequency <= 0 {
		return nil, fmt.Errorf("%w: tick frequency %s", ErrInvalidConfig, cfg.TickFrequency)
	}
	if cfg.SubWindow < 2 || cfg.SubWindow&(cfg.SubWindow-1) != 0 {
		return nil, fmt.Errorf("%w: sub-window %d is not a power of two", ErrInvalidConfig, cfg.SubWindow)
	}

	d := &Detector{
		conv:   conv,
		timer:  timer,
		cfg:    cfg,
		tickHz: float64(cfg.TickFrequency) / float64(physic.Hertz),
		mask:   cfg.SubWindow - 1,
	}
	timer.OnTick(d.Tick)

	return d, nil
}

// TickFrequency returns the tick rate in Hz.
func (d *Detector) TickFrequency() float64 { return d.tickHz }

// State returns the current state.
func (d *Detector) State() State { return State(d.state.Load()) }

// Setup prepares a measurement and moves the detector to Ready.
// onComplete is invoked from Consume once the last sub-window is folded.
func (d *Detector) Setup(m Measurement, onComplete func()) error {
	if d.State() == Operating {
		return ErrOperating
	}
	if !(m.Frequency > 0) || m.Frequency >= d.tickHz/2 {
		return fmt.Errorf("%w: frequency %g Hz at %g Hz tick", ErrInvalidConfig, m.Frequency, d.tickHz)
	}

	w, err := Windowing(m.Frequency, m.Cycles, d.tickHz, d.cfg.SubWindow)
	if err != nil {
		return err
	}
	if err := d.timer.Configure(d.cfg.TickFrequency); err != nil {
		return fmt.Errorf("failed to configure timer: %w", err)
	}

	angle := 2 * math.Pi * m.Frequency / d.tickHz

	d.acquire()
	d.window = w
	d.onComplete = onComplete
	d.coeff = float32(m.AmplitudeCode) / 2
	d.micro = Unit(angle)
	d.macroStep = Unit(angle * float64(d.cfg.SubWindow))
	d.initial = Unit(angle * float64(w.First()))
	d.state.Store(uint32(Ready))
	d.release()

	return nil
}

// Window returns the windowing of the current measurement.
func (d *Detector) Window() Window {
	d.acquire()
	defer d.release()
	return d.window
}

// Start resets the accumulators and arms the timer.
func (d *Detector) Start() error {
	switch d.State() {
	case Uninitialized:
		return ErrNotReady
	case Operating:
		return ErrOperating
	}

	d.acquire()
	d.fine = Phasor{X: 1}
	d.macro = d.initial
	d.subX, d.subY = 0, 0
	d.latchX, d.latchY = 0, 0
	d.sumX, d.sumY = 0, 0
	d.folds = 0
	d.drift = 0
	d.ticks = (d.cfg.SubWindow - d.window.First()) & d.mask
	d.ready.Store(false)
	d.dropped.Store(0)
	d.overruns.Store(0)

	d.conv.WriteExcitation(board.MidScale)
	d.conv.TriggerConversion()
	d.state.Store(uint32(Operating))
	d.release()

	d.timer.Enable()
	return nil
}

// Tick processes one timer period.
func (d *Detector) Tick() {
	if State(d.state.Load()) != Operating {
		return
	}
	if !d.lock.CompareAndSwap(false, true) {
		d.dropped.Add(1)
		return
	}
	if State(d.state.Load()) != Operating {
		d.lock.Store(false)
		return
	}

	s := float32(d.conv.ReadConversion())
	d.subX += s * d.fine.X
	d.subY += s * d.fine.Y

	d.conv.WriteExcitation(excitationCode(d.fine.Y * d.coeff))
	d.conv.TriggerConversion()

	d.fine = d.fine.Rotate(d.micro)
	d.ticks++

	if d.ticks&d.mask == 0 {
		d.latchX, d.latchY = d.subX, d.subY
		d.subX, d.subY = 0, 0
		d.fine = d.macro
		if d.ready.Swap(true) {
			d.overruns.Add(1)
		}
	}

	d.lock.Store(false)
}

// excitationCode offsets v from mid-scale, saturating at the DAC rails.
func excitationCode(v float32) uint16 {
	code := int32(board.MidScale) + int32(v)
	switch {
	case code < 0:
		return 0
	case code > int32(board.FullScale):
		return board.FullScale
	}
	return uint16(code)
}

// Consume folds a latched sub-window into the running totals. It reports
// whether a sub-window was folded. When the last one is folded the timer is
// disabled, the excitation parked, the detector returns to Ready and the
// completion callback is invoked.
func (d *Detector) Consume() bool {
	if !d.ready.Load() {
		return false
	}

	d.acquire()
	if !d.ready.Swap(false) || d.State() != Operating {
		d.release()
		return false
	}

	d.sumX += float64(d.latchX)
	d.sumY += float64(d.latchY)
	d.macro = d.macro.Rotate(d.macroStep)
	d.folds++

	if d.folds < d.window.Steps() {
		d.release()
		return true
	}

	d.timer.Disable()
	d.conv.WriteExcitation(board.MidScale)
	d.waitIdle()
	d.drift = math32.Abs(d.macro.Abs() - 1)
	d.state.Store(uint32(Ready))
	done := d.onComplete
	d.release()

	if done != nil {
		done()
	}
	return true
}

// Stop disables the timer and parks the excitation regardless of state.
func (d *Detector) Stop() {
	d.acquire()
	d.timer.Disable()
	d.conv.WriteExcitation(board.MidScale)
	if d.State() == Operating {
		d.state.Store(uint32(Ready))
	}
	d.ready.Store(false)
	d.release()

	d.waitIdle()
}

// Result returns the correlation sums averaged over the measurement ticks.
func (d *Detector) Result() (x, y float64) {
	d.acquire()
	defer d.release()

	n := float64(d.window.Ticks())
	if n == 0 {
		return 0, 0
	}
	return d.sumX / n, d.sumY / n
}

// Stats returns the diagnostics of the current or last measurement.
func (d *Detector) Stats() Stats {
	d.acquire()
	defer d.release()

	return Stats{
		Dropped:  d.dropped.Load(),
		Overruns: d.overruns.Load(),
		Folds:    d.folds,
		Drift:    d.drift,
	}
}

func (d *Detector) acquire() {
	for !d.lock.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (d *Detector) release() {
	d.lock.Store(false)
}

func (d *Detector) waitIdle() {
	for i := 0; i < maxBusyPolls && d.conv.Busy(); i++ {
		runtime.Gosched()
	}
}
