package lockin

import (
	"fmt"
	"math"

	"github.com/itohio/goeis/pkg/fault"
)

// Window describes how a measurement of a whole number of excitation cycles
// is split into fixed sub-windows plus one leading leap window.
type Window struct {
	SubWindow uint32 // Ticks per sub-window
	Windows   uint32 // Full sub-windows
	Leap      uint32 // Remainder ticks, always even
}

// Windowing splits cycles periods of frequency into sub-windows of
// subWindow ticks at tickFrequency Hz. The remainder is rounded up to an
// even tick count; a remainder that reaches a full sub-window is promoted to
// one.
func Windowing(frequency float64, cycles uint32, tickFrequency float64, subWindow uint32) (Window, error) {
	if subWindow < 2 || subWindow&(subWindow-1) != 0 {
		return Window{}, fmt.Errorf("%w: sub-window %d is not a power of two", fault.ErrInvalidData, subWindow)
	}
	if !(frequency > 0) || !(tickFrequency > 0) || cycles == 0 {
		return Window{}, fmt.Errorf("%w: %g Hz x %d cycles at %g Hz tick", fault.ErrInvalidData, frequency, cycles, tickFrequency)
	}

	total := math.Round(float64(cycles) / frequency * tickFrequency)
	if total < 1 || total > float64(math.MaxUint32)*float64(subWindow) {
		return Window{}, fmt.Errorf("%w: measurement of %g ticks", fault.ErrInvalidData, total)
	}

	ticks := uint64(total)
	w := Window{
		SubWindow: subWindow,
		Windows:   uint32(ticks / uint64(subWindow)),
		Leap:      uint32(ticks % uint64(subWindow)),
	}
	if w.Leap&1 != 0 {
		w.Leap++
	}
	if w.Leap >= subWindow {
		w.Leap -= subWindow
		w.Windows++
	}

	return w, nil
}

// Ticks returns the total number of ticks integrated.
func (w Window) Ticks() uint64 {
	return uint64(w.Windows)*uint64(w.SubWindow) + uint64(w.Leap)
}

// Steps returns the number of sub-window folds the measurement takes.
func (w Window) Steps() uint32 {
	if w.Leap > 0 {
		return w.Windows + 1
	}
	return w.Windows
}

// First returns the length of the first window, which carries the leap
// ticks when there are any.
func (w Window) First() uint32 {
	if w.Leap > 0 {
		return w.Leap
	}
	return w.SubWindow
}
