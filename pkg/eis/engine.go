// Package eis drives the lock-in detector across a list of frequencies and
// turns its correlation sums into calibrated impedance datapoints.
package eis

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/itohio/goeis/pkg/alarm"
	"github.com/itohio/goeis/pkg/board"
	"github.com/itohio/goeis/pkg/lockin"
)

// Frequency limits of a sweep point in Hz.
const (
	MinFrequency = 0.001
	MaxFrequency = 100e3
)

const maxBusyPolls = 1 << 16

// State is the sweep state.
type State uint32

const (
	Uninitialized State = iota
	Ready
	EquilibriumWait
	Measuring
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case EquilibriumWait:
		return "equilibrium wait"
	case Measuring:
		return "measuring"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Requests raised by Start, Stop, the equilibrium alarm and the detector.
const (
	evMeasured uint32 = 1 << iota
	evEquilibrium
	evStart
	evStop

	evAll = evMeasured | evEquilibrium | evStart | evStop
)

// Point is one frequency of a sweep.
type Point struct {
	Frequency float64 // Hz
	Cycles    uint32
}

// Plan describes a sweep.
type Plan struct {
	Points       []Point
	AmplitudePP  float64 // V
	Bias         float64 // V
	FeedbackPath board.FeedbackPath
	Equilibrium  time.Duration
	// CalibrationRelay measures the on-board reference element instead of
	// the cell.
	CalibrationRelay bool
}

// Validate checks the plan against the detector tick rate.
func (p Plan) Validate(tickFrequency float64) error {
	if len(p.Points) == 0 || len(p.Points) > MaxProfilePoints {
		return fmt.Errorf("%w: %d points", ErrInvalidPlan, len(p.Points))
	}
	for i, pt := range p.Points {
		if !(pt.Frequency >= MinFrequency && pt.Frequency <= MaxFrequency) || pt.Frequency >= tickFrequency/2 {
			return fmt.Errorf("%w: point %d frequency %g Hz", ErrInvalidPlan, i, pt.Frequency)
		}
		if pt.Cycles == 0 {
			return fmt.Errorf("%w: point %d has no cycles", ErrInvalidPlan, i)
		}
	}
	if !p.FeedbackPath.Valid() {
		return fmt.Errorf("%w: feedback path %d", ErrInvalidPlan, p.FeedbackPath)
	}
	if p.Equilibrium < 0 {
		return fmt.Errorf("%w: equilibrium %s", ErrInvalidPlan, p.Equilibrium)
	}
	return nil
}

// Alarms arms and cancels the equilibrium wait.
type Alarms interface {
	Set(after time.Duration, fn func()) (alarm.ID, error)
	Cancel(id alarm.ID) bool
}

// Options tune the engine.
type Options struct {
	// Reference is the known impedance of the calibration element in kΩ.
	// Zero selects board.CalibrationElement.
	Reference complex128
}

// Engine is the sweep orchestrator. Setup, Execute and State belong to the
// polling loop; Start and Stop may be called from anywhere.
type Engine struct {
	fe        board.FrontEnd
	det       *lockin.Detector
	alarms    Alarms
	reference complex128

	state  atomic.Uint32
	events atomic.Uint32

	plan        Plan
	cal         *Calibration
	onDatapoint func(Datapoint)
	onComplete  func()

	scaling  board.Scaling
	ampCode  uint16
	biasCode uint16
	lsb      float64
	index    int

	alarmID    alarm.ID
	alarmArmed bool
}

// New creates an engine around a detector that drives fe.
func New(fe board.FrontEnd, det *lockin.Detector, alarms Alarms, opts Options) *Engine {
	ref := opts.Reference
	if ref == 0 {
		ref = board.CalibrationElement
	}
	return &Engine{
		fe:        fe,
		det:       det,
		alarms:    alarms,
		reference: ref,
	}
}

// State returns the sweep state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Index returns the index of the point being measured.
func (e *Engine) Index() int { return e.index }

// Setup stores a plan and optional calibration and moves to Ready. The
// detector is configured for the first point.
func (e *Engine) Setup(plan Plan, cal *Calibration, onDatapoint func(Datapoint), onComplete func()) error {
	switch e.State() {
	case EquilibriumWait, Measuring:
		return ErrBusy
	}

	if err := plan.Validate(e.det.TickFrequency()); err != nil {
		return err
	}
	if cal != nil {
		if err := cal.Validate(len(plan.Points)); err != nil {
			return err
		}
	}

	scaling, step, err := board.SelectScaling(plan.AmplitudePP)
	if err != nil {
		return fmt.Errorf("failed to select signal scaling: %w", err)
	}
	biasCode, err := board.BiasCode(plan.Bias)
	if err != nil {
		return fmt.Errorf("failed to compute bias: %w", err)
	}

	plan.Points = append([]Point(nil), plan.Points...)
	ampCode := board.AmplitudeCode(plan.AmplitudePP, step)
	onMeasured := func() { e.events.Or(evMeasured) }
	if err := e.det.Setup(measurement(plan.Points[0], ampCode), onMeasured); err != nil {
		return fmt.Errorf("failed to set up point 0 at %g Hz: %w", plan.Points[0].Frequency, err)
	}

	e.plan = plan
	e.cal = cal
	e.onDatapoint = onDatapoint
	e.onComplete = onComplete
	e.scaling = scaling
	e.ampCode = ampCode
	e.biasCode = biasCode
	e.lsb = board.ADCCurrentPerCount(plan.FeedbackPath)
	e.index = 0

	e.events.Store(0)
	e.state.Store(uint32(Ready))

	log.Printf("Sweep ready: %d points, %.4g Vpp (scaling %s, code %d), bias %.4g V, feedback path %d, calibrated=%v",
		len(plan.Points), plan.AmplitudePP, scaling, e.ampCode, plan.Bias, plan.FeedbackPath, cal != nil)

	return nil
}

// Start requests a sweep. The request is served by Execute from Ready.
func (e *Engine) Start() { e.events.Or(evStart) }

// Stop requests the sweep to stop and the front end to power down.
func (e *Engine) Stop() { e.events.Or(evStop) }

// Execute pumps the detector and serves at most one pending request, in the
// order stop, start, equilibrium elapsed, measurement complete.
func (e *Engine) Execute() error {
	if e.State() == Uninitialized {
		return ErrNotInitialized
	}

	e.det.Consume()

	pending := e.events.Load()
	switch {
	case pending&evStop != 0:
		e.events.And(^evAll)
		e.stop()
		return nil
	case pending&evStart != 0:
		e.events.And(^evStart)
		return e.start()
	case pending&evEquilibrium != 0:
		e.events.And(^evEquilibrium)
		return e.equilibrium()
	case pending&evMeasured != 0:
		e.events.And(^evMeasured)
		return e.measured()
	}

	return nil
}

func (e *Engine) start() error {
	if e.State() != Ready {
		log.Printf("Start ignored while %s", e.State())
		return nil
	}

	e.index = 0
	if err := e.powerUp(); err != nil {
		e.abort()
		return fmt.Errorf("failed to power up front end: %w", err)
	}

	// The bias settles before the cell starts equilibrating.
	wait := board.BiasSettle() + e.plan.Equilibrium
	id, err := e.alarms.Set(wait, func() { e.events.Or(evEquilibrium) })
	if err != nil {
		e.abort()
		return fmt.Errorf("failed to arm equilibrium alarm: %w", err)
	}
	e.alarmID = id
	e.alarmArmed = true

	e.state.Store(uint32(EquilibriumWait))
	log.Printf("Sweep started, equilibrating for %s", wait)
	return nil
}

func (e *Engine) equilibrium() error {
	if e.State() != EquilibriumWait {
		return nil
	}
	e.alarmArmed = false

	if err := e.measure(e.index); err != nil {
		e.abort()
		return err
	}

	e.state.Store(uint32(Measuring))
	return nil
}

func (e *Engine) measured() error {
	if e.State() != Measuring {
		return nil
	}

	pt := e.plan.Points[e.index]
	x, y := e.det.Result()
	stats := e.det.Stats()
	if stats.Dropped > 0 || stats.Overruns > 0 {
		log.Printf("Point %d at %g Hz: %d ticks dropped, %d sub-windows overrun", e.index, pt.Frequency, stats.Dropped, stats.Overruns)
	}

	z, err := ToImpedance(e.lsb, e.plan.AmplitudePP, x, y)
	if err != nil {
		e.abort()
		return fmt.Errorf("point %d at %g Hz: %w", e.index, pt.Frequency, err)
	}
	if e.cal != nil {
		z, err = ApplyCalibration(e.reference, e.cal.At(e.index), z)
		if err != nil {
			e.abort()
			return fmt.Errorf("point %d at %g Hz: %w", e.index, pt.Frequency, err)
		}
	}

	dp := Datapoint{Index: e.index, Frequency: pt.Frequency, Real: real(z), Imag: imag(z)}
	e.index++
	if e.onDatapoint != nil {
		e.onDatapoint(dp)
	}

	if e.index < len(e.plan.Points) {
		if err := e.measure(e.index); err != nil {
			e.abort()
			return err
		}
		return nil
	}

	e.det.Stop()
	e.powerDown()
	e.state.Store(uint32(Ready))
	e.index = 0
	log.Printf("Sweep complete: %d points", len(e.plan.Points))

	if e.onComplete != nil {
		e.onComplete()
	}
	return nil
}

func (e *Engine) stop() {
	switch e.State() {
	case EquilibriumWait, Measuring:
	default:
		return
	}

	e.abort()
	log.Printf("Sweep stopped at point %d", e.index)
}

// abort brings the instrument to a safe idle state.
func (e *Engine) abort() {
	if e.alarmArmed {
		e.alarms.Cancel(e.alarmID)
		e.alarmArmed = false
	}
	e.det.Stop()
	e.powerDown()
	e.state.Store(uint32(Ready))
}

func measurement(pt Point, ampCode uint16) lockin.Measurement {
	return lockin.Measurement{
		Frequency:     pt.Frequency,
		Cycles:        pt.Cycles,
		AmplitudeCode: ampCode,
	}
}

func (e *Engine) configure(i int) error {
	pt := e.plan.Points[i]
	err := e.det.Setup(measurement(pt, e.ampCode), func() { e.events.Or(evMeasured) })
	if err != nil {
		return fmt.Errorf("failed to set up point %d at %g Hz: %w", i, pt.Frequency, err)
	}
	return nil
}

func (e *Engine) measure(i int) error {
	if err := e.configure(i); err != nil {
		return err
	}
	if err := e.det.Start(); err != nil {
		return fmt.Errorf("failed to start point %d: %w", i, err)
	}
	return nil
}

func (e *Engine) powerUp() error {
	if err := e.fe.PowerOn(); err != nil {
		return err
	}
	if err := e.fe.SetCalibrationRelay(e.plan.CalibrationRelay); err != nil {
		return err
	}
	if err := e.fe.SetSignalScaling(e.scaling); err != nil {
		return err
	}
	if err := e.fe.SelectFeedbackPath(e.plan.FeedbackPath); err != nil {
		return err
	}
	if err := e.fe.WriteBias(e.biasCode); err != nil {
		return err
	}
	for i := 0; i < maxBusyPolls && e.fe.Busy(); i++ {
		runtime.Gosched()
	}
	e.fe.WriteExcitation(board.MidScale)
	return nil
}

func (e *Engine) powerDown() {
	e.fe.WriteExcitation(board.MidScale)
	if err := e.fe.SetCalibrationRelay(false); err != nil {
		log.Printf("Failed to release calibration relay: %v", err)
	}
	if err := e.fe.PowerOff(); err != nil {
		log.Printf("Failed to power off front end: %v", err)
	}
}
