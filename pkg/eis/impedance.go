package eis

import (
	"fmt"
	"math"
)

// currentScale converts µA to mA so impedances come out in kΩ.
const currentScale = 0.001

// ToImpedance converts the mean correlation sums of a measurement into
// impedance in kΩ. lsbCurrent is the cell current of one ADC count in µA,
// amplitudePP the excitation in volts peak-to-peak.
func ToImpedance(lsbCurrent, amplitudePP, sumX, sumY float64) (complex128, error) {
	cx := 2 * lsbCurrent * sumY * currentScale
	cy := 2 * lsbCurrent * sumX * currentScale

	d := cx*cx + cy*cy
	if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("%w: sums %g, %g", ErrNoSignal, sumX, sumY)
	}

	v := amplitudePP / 2
	return complex(v*cx/d, -v*cy/d), nil
}

// ApplyCalibration corrects raw by the ratio of the known reference
// impedance to its measurement at the same frequency.
func ApplyCalibration(reference, measured, raw complex128) (complex128, error) {
	if measured == 0 {
		return 0, ErrInvalidCalibration
	}
	return raw * reference / measured, nil
}
