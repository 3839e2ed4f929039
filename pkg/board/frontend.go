package board

import "periph.io/x/conn/v3/physic"

// FrontEnd is the analog front end driven by the impedance engine.
//
// WriteExcitation, TriggerConversion and ReadConversion are called from the
// timer tick and must not block. ReadConversion returns the result of the
// conversion triggered on the previous tick.
type FrontEnd interface {
	PowerOn() error
	PowerOff() error
	SetSignalScaling(s Scaling) error
	SelectFeedbackPath(p FeedbackPath) error
	SetCalibrationRelay(on bool) error
	WriteBias(code uint16) error

	WriteExcitation(code uint16)
	TriggerConversion()
	ReadConversion() int16
	Busy() bool
}

// Timer is the periodic tick source of the lock-in detector.
type Timer interface {
	Configure(frequency physic.Frequency) error
	OnTick(fn func())
	Enable()
	Disable()
}

// Ensure simulated hardware implements the contracts.
var (
	_ FrontEnd = (*Sim)(nil)
	_ Timer    = (*ManualTimer)(nil)
	_ Timer    = (*SimTimer)(nil)
)
