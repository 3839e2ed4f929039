package eis

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/itohio/goeis/pkg/store"
)

// MaxProfilePoints is the largest calibration profile a store object can hold.
const MaxProfilePoints = math.MaxUint16 / 8

// Calibration holds the measured impedance of the reference element at every
// frequency of a plan, in kΩ.
type Calibration struct {
	Real []float64
	Imag []float64
}

// Len returns the number of calibration points.
func (c *Calibration) Len() int { return len(c.Real) }

// At returns the calibration measurement of point i.
func (c *Calibration) At(i int) complex128 {
	return complex(c.Real[i], c.Imag[i])
}

// Validate checks c against a plan of n points.
func (c *Calibration) Validate(n int) error {
	if len(c.Real) != len(c.Imag) || len(c.Real) != n {
		return fmt.Errorf("%w: %d/%d points for %d frequencies", ErrCalibrationLength, len(c.Real), len(c.Imag), n)
	}
	for i := range c.Real {
		if c.Real[i] == 0 && c.Imag[i] == 0 {
			return fmt.Errorf("%w: point %d", ErrInvalidCalibration, i)
		}
	}
	return nil
}

// LoadCalibrationProfile reads a profile stored as two objects holding the
// real and imaginary parts. A missing or inconsistent profile yields
// ErrProfileNotFound.
func LoadCalibrationProfile(s store.Store, idReal, idImag uint16) (*Calibration, error) {
	re, err := loadFloats(s, idReal)
	if err != nil {
		return nil, err
	}
	im, err := loadFloats(s, idImag)
	if err != nil {
		return nil, err
	}
	if len(re) != len(im) {
		return nil, fmt.Errorf("%w: 0x%04x holds %d points, 0x%04x holds %d", ErrProfileNotFound, idReal, len(re), idImag, len(im))
	}

	return &Calibration{Real: re, Imag: im}, nil
}

// SaveCalibrationProfile writes cal as two objects.
func SaveCalibrationProfile(s store.Store, idReal, idImag uint16, cal *Calibration) error {
	if cal == nil || len(cal.Real) != len(cal.Imag) {
		return ErrCalibrationLength
	}
	if len(cal.Real) > MaxProfilePoints {
		return fmt.Errorf("%w: %d points", ErrProfileTooLarge, len(cal.Real))
	}

	if err := s.Save(idReal, encodeFloats(cal.Real)); err != nil {
		return fmt.Errorf("failed to save calibration real part: %w", err)
	}
	if err := s.Save(idImag, encodeFloats(cal.Imag)); err != nil {
		return fmt.Errorf("failed to save calibration imaginary part: %w", err)
	}
	return nil
}

func loadFloats(s store.Store, id uint16) ([]float64, error) {
	data, err := s.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: object 0x%04x", ErrProfileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration object 0x%04x: %w", id, err)
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: object 0x%04x has %d bytes", ErrProfileNotFound, id, len(data))
	}

	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}

func encodeFloats(v []float64) []byte {
	out := make([]byte, 0, len(v)*8)
	for _, f := range v {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(f))
	}
	return out
}
