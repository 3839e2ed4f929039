package lockin

import (
	"math"

	"github.com/chewxy/math32"
)

// Phasor is a single-precision complex value used as the rotating reference
// of the detector.
type Phasor struct {
	X, Y float32
}

// Unit returns the unit phasor at the given angle in radians. The
// trigonometry is evaluated in double precision.
func Unit(angle float64) Phasor {
	s, c := math.Sincos(angle)
	return Phasor{X: float32(c), Y: float32(s)}
}

// Rotate returns p multiplied by r.
func (p Phasor) Rotate(r Phasor) Phasor {
	return Phasor{
		X: p.X*r.X - p.Y*r.Y,
		Y: p.X*r.Y + p.Y*r.X,
	}
}

// Abs returns the magnitude of p.
func (p Phasor) Abs() float32 {
	return math32.Hypot(p.X, p.Y)
}

// Angle returns the argument of p in radians.
func (p Phasor) Angle() float32 {
	return math32.Atan2(p.Y, p.X)
}
