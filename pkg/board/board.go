// Package board describes the analog front end of the instrument: its
// design constants, signal scaling tables and the hardware contracts the
// measurement engine drives.
package board

import (
	"fmt"
	"math"
	"time"

	"github.com/itohio/goeis/pkg/fault"
	"periph.io/x/conn/v3/physic"
)

const (
	// MidScale is the DAC code of the virtual ground.
	MidScale uint16 = 1 << 15
	// FullScale is the largest 16-bit DAC code.
	FullScale = math.MaxUint16

	dacReference = 5 * physic.Volt
	adcReference = 5 * physic.Volt
	dacCodes     = 1 << 16
	adcCodes     = 1 << 16

	adcGainCorrection    = 1.048
	signalDACBaseGain    = 0.5
	biasDACGain          = -1.0
	signalSafetyFactor   = 1.05
	biasRCTimeConstantMs = 20
	biasSettleFactor     = 5

	// MaxPotential bounds both the bias and the excitation peak.
	MaxPotential = 1 * physic.Volt
)

// CalibrationElement is the impedance of the on-board reference element in kΩ.
var CalibrationElement = complex(15.0, 0.0)

// FeedbackPath selects the transimpedance amplifier feedback resistor.
type FeedbackPath uint8

const (
	FeedbackPath0 FeedbackPath = iota
	FeedbackPath1
	FeedbackPath2
	FeedbackPath3
	FeedbackPath4
	FeedbackPath5
)

var feedbackGain = [...]float64{0.002, 0.02, 0.2, 2.0, 20.0, 200.0} // V/µA

// Valid reports whether p names an existing feedback path.
func (p FeedbackPath) Valid() bool {
	return int(p) < len(feedbackGain)
}

// Resistance returns the feedback resistance in MΩ.
func (p FeedbackPath) Resistance() float64 {
	if !p.Valid() {
		return 0
	}
	return feedbackGain[p]
}

// ADCCurrentPerCount returns the cell current represented by one ADC count
// in µA for the given feedback path.
func ADCCurrentPerCount(p FeedbackPath) float64 {
	if !p.Valid() {
		p = FeedbackPath0
	}
	gain := feedbackGain[p] * adcGainCorrection
	return volts(adcReference) / (adcCodes * gain)
}

// BinaryScaling is the coarse excitation attenuator setting.
type BinaryScaling uint8

const (
	Binary1of4 BinaryScaling = iota
	Binary2of4
	Binary3of4
	Binary4of4
)

// DecimalScaling is the decade excitation attenuator setting.
type DecimalScaling uint8

const (
	Decimal1of100 DecimalScaling = iota
	Decimal1of10
	Decimal1of1
)

var (
	binaryGain  = [...]float64{0.25, 0.5, 0.75, 1.0}
	decimalGain = [...]float64{0.01, 0.1, 1.0}
)

// Scaling is the combined excitation attenuator configuration.
type Scaling struct {
	Binary  BinaryScaling
	Decimal DecimalScaling
}

func (s Scaling) String() string {
	return fmt.Sprintf("%.0f%%x%g", binaryGain[s.Binary%4]*100, decimalGain[s.Decimal%3])
}

// SignalDACStep returns the applied potential of one signal DAC count in
// volts. The signal path is inverting, so the step is negative.
func SignalDACStep(s Scaling) float64 {
	gain := signalDACBaseGain
	if int(s.Binary) < len(binaryGain) {
		gain *= binaryGain[s.Binary]
	} else {
		gain *= binaryGain[Binary1of4]
	}
	if int(s.Decimal) < len(decimalGain) {
		gain *= decimalGain[s.Decimal]
	}
	return -gain * volts(dacReference) / dacCodes
}

// BiasDACStep returns the applied potential of one bias DAC count in volts.
func BiasDACStep() float64 {
	return -biasDACGain * volts(dacReference) / dacCodes
}

// BiasSettle is the time the bias DAC output needs to settle after a write.
func BiasSettle() time.Duration {
	return biasRCTimeConstantMs * biasSettleFactor * time.Millisecond
}

// SelectScaling picks the smallest attenuator range that fits the requested
// peak-to-peak amplitude. It returns the scaling and its DAC step.
func SelectScaling(amplitudePP float64) (Scaling, float64, error) {
	if amplitudePP <= 0 || amplitudePP > 2*volts(MaxPotential) || math.IsNaN(amplitudePP) {
		return Scaling{}, 0, fmt.Errorf("%w: excitation amplitude %g Vpp out of range", fault.ErrInvalidData, amplitudePP)
	}

	limit := float64(FullScale) / signalSafetyFactor
	for d := range decimalGain {
		for b := range binaryGain {
			s := Scaling{Binary: BinaryScaling(b), Decimal: DecimalScaling(d)}
			step := SignalDACStep(s)
			if math.Abs(amplitudePP/step) <= limit {
				return s, step, nil
			}
		}
	}

	return Scaling{}, 0, fmt.Errorf("%w: no signal scaling fits %g Vpp", fault.ErrInvalidData, amplitudePP)
}

// AmplitudeCode converts a peak-to-peak amplitude into signal DAC counts.
func AmplitudeCode(amplitudePP, step float64) uint16 {
	return uint16(math.Abs(amplitudePP / step))
}

// BiasCode converts a bias potential in volts into a bias DAC code.
func BiasCode(bias float64) (uint16, error) {
	if math.Abs(bias) > volts(MaxPotential) || math.IsNaN(bias) {
		return 0, fmt.Errorf("%w: bias %g V out of range", fault.ErrInvalidData, bias)
	}
	return uint16(float64(MidScale) + bias/BiasDACStep()), nil
}

func volts(v physic.ElectricPotential) float64 {
	return float64(v) / float64(physic.Volt)
}
