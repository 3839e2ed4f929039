package eis

import (
	"math"

	"github.com/cwbudde/algo-vecmath"
)

// Datapoint is one impedance measurement of a sweep.
type Datapoint struct {
	Index     int
	Frequency float64 // Hz
	Real      float64 // kΩ
	Imag      float64 // kΩ
}

// Impedance returns the datapoint as a complex number.
func (d Datapoint) Impedance() complex128 {
	return complex(d.Real, d.Imag)
}

// Spectrum collects the datapoints of a sweep.
type Spectrum []Datapoint

// Frequencies returns the frequency axis.
func (s Spectrum) Frequencies() []float64 {
	out := make([]float64, len(s))
	for i, d := range s {
		out[i] = d.Frequency
	}
	return out
}

// Magnitudes returns |Z| of every datapoint in kΩ.
func (s Spectrum) Magnitudes() []float64 {
	if len(s) == 0 {
		return nil
	}

	re := make([]float64, len(s))
	im := make([]float64, len(s))
	for i, d := range s {
		re[i] = d.Real
		im[i] = d.Imag
	}

	out := make([]float64, len(s))
	vecmath.Magnitude(out, re, im)
	return out
}

// Phases returns the impedance angle of every datapoint in degrees.
func (s Spectrum) Phases() []float64 {
	out := make([]float64, len(s))
	for i, d := range s {
		out[i] = math.Atan2(d.Imag, d.Real) * 180 / math.Pi
	}
	return out
}

// Calibration returns the spectrum as a calibration profile.
func (s Spectrum) Calibration() *Calibration {
	cal := &Calibration{
		Real: make([]float64, len(s)),
		Imag: make([]float64, len(s)),
	}
	for i, d := range s {
		cal.Real[i] = d.Real
		cal.Imag[i] = d.Imag
	}
	return cal
}
