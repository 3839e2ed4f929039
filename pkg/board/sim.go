package board

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/itohio/goeis/pkg/config"
	"github.com/itohio/goeis/pkg/fault"
	"periph.io/x/conn/v3/physic"
)

// Randles is the simplified Randles equivalent circuit: a series resistance
// followed by a charge transfer resistance in parallel with the double layer
// capacitance.
type Randles struct {
	Rs  float64 // Ω
	Rct float64 // Ω
	Cdl float64 // F
}

// Impedance returns the circuit impedance at frequency f in Ω.
func (r Randles) Impedance(f float64) complex128 {
	if r.Cdl <= 0 || f <= 0 {
		return complex(r.Rs+r.Rct, 0)
	}
	zc := 1 / complex(0, 2*math.Pi*f*r.Cdl)
	return complex(r.Rs, 0) + (complex(r.Rct, 0)*zc)/(complex(r.Rct, 0)+zc)
}

// Sim simulates the analog front end connected to a Randles cell. Every
// TriggerConversion advances the cell by one tick period.
type Sim struct {
	cfg  *config.SimConfig
	cell Randles

	mu         sync.Mutex
	dt         float64
	powered    bool
	scaling    Scaling
	path       FeedbackPath
	relay      bool
	biasCode   uint16
	excitation uint16
	vp         float64 // Potential across the double layer (V)
	conversion int16
	rng        *rand.Rand
}

// NewSim creates a simulated front end. Tick period defaults to 400 kHz
// until SetTickFrequency is called.
func NewSim(cfg *config.SimConfig) *Sim {
	if cfg == nil {
		cfg = &config.Default().Sim
	}

	return &Sim{
		cfg: cfg,
		cell: Randles{
			Rs:  cfg.SeriesResistance,
			Rct: cfg.ChargeTransferResistance,
			Cdl: cfg.DoubleLayerCapacitance,
		},
		dt:         1 / 400e3,
		biasCode:   MidScale,
		excitation: MidScale,
		rng:        rand.New(rand.NewPCG(1, 2)),
	}
}

// Cell returns the simulated cell.
func (s *Sim) Cell() Randles { return s.cell }

// SetTickFrequency sets the period the cell advances per conversion.
func (s *Sim) SetTickFrequency(f physic.Frequency) {
	if f <= 0 {
		return
	}
	s.mu.Lock()
	s.dt = 1 / (float64(f) / float64(physic.Hertz))
	s.mu.Unlock()
}

// PowerOn enables the analog supply.
func (s *Sim) PowerOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.powered = true
	s.vp = s.steadyState(s.biasLocked())
	s.conversion = 0
	return nil
}

// PowerOff disables the analog supply and parks the DACs.
func (s *Sim) PowerOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.powered = false
	s.excitation = MidScale
	s.vp = 0
	s.conversion = 0
	return nil
}

// SetSignalScaling configures the excitation attenuators.
func (s *Sim) SetSignalScaling(sc Scaling) error {
	if int(sc.Binary) >= len(binaryGain) || int(sc.Decimal) >= len(decimalGain) {
		return fmt.Errorf("%w: signal scaling %d/%d", fault.ErrInvalidData, sc.Binary, sc.Decimal)
	}
	s.mu.Lock()
	s.scaling = sc
	s.mu.Unlock()
	return nil
}

// SelectFeedbackPath selects the transimpedance feedback resistor.
func (s *Sim) SelectFeedbackPath(p FeedbackPath) error {
	if !p.Valid() {
		return fmt.Errorf("%w: feedback path %d", fault.ErrInvalidData, p)
	}
	s.mu.Lock()
	s.path = p
	s.mu.Unlock()
	return nil
}

// SetCalibrationRelay switches the on-board calibration element in place of
// the cell.
func (s *Sim) SetCalibrationRelay(on bool) error {
	s.mu.Lock()
	s.relay = on
	s.vp = 0
	s.mu.Unlock()
	return nil
}

// WriteBias sets the bias DAC.
func (s *Sim) WriteBias(code uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.biasCode = code
	s.vp = s.steadyState(s.biasLocked())
	return nil
}

// WriteExcitation sets the signal DAC.
func (s *Sim) WriteExcitation(code uint16) {
	s.mu.Lock()
	s.excitation = code
	s.mu.Unlock()
}

// TriggerConversion advances the cell by one tick and samples the current
// produced by the last excitation code.
func (s *Sim) TriggerConversion() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.powered {
		s.conversion = 0
		return
	}

	v := float64(int32(s.excitation)-int32(MidScale))*SignalDACStep(s.scaling) + s.biasLocked()
	current := s.currentLocked(v) * 1e6 // µA

	counts := -current / ADCCurrentPerCount(s.path)
	if s.cfg.Noise > 0 {
		counts += s.rng.NormFloat64() * s.cfg.Noise
	}
	s.conversion = clampInt16(math.Round(counts))
}

// ReadConversion returns the last sampled value.
func (s *Sim) ReadConversion() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversion
}

// Busy reports whether a conversion is in flight. Simulated conversions
// complete instantly.
func (s *Sim) Busy() bool { return false }

// Powered reports whether the analog supply is on.
func (s *Sim) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

// Excitation returns the last signal DAC code.
func (s *Sim) Excitation() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excitation
}

// Relay reports whether the calibration relay is engaged.
func (s *Sim) Relay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay
}

func (s *Sim) biasLocked() float64 {
	return float64(int32(s.biasCode)-int32(MidScale)) * BiasDACStep()
}

// steadyState returns the double layer potential for a constant applied v.
func (s *Sim) steadyState(v float64) float64 {
	if s.relay || s.cell.Cdl <= 0 {
		return 0
	}
	return v * s.cell.Rct / (s.cell.Rs + s.cell.Rct)
}

// currentLocked advances the cell with v held for one tick and returns the
// cell current in A.
func (s *Sim) currentLocked(v float64) float64 {
	if s.relay {
		return v / (real(CalibrationElement) * 1e3)
	}
	if s.cell.Cdl <= 0 {
		return v / (s.cell.Rs + s.cell.Rct)
	}

	a := 1/(s.cell.Rs*s.cell.Cdl) + 1/(s.cell.Rct*s.cell.Cdl)
	ss := s.steadyState(v)
	s.vp = ss + (s.vp-ss)*math.Exp(-a*s.dt)
	return (v - s.vp) / s.cell.Rs
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
