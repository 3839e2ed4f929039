package eis

import (
	"errors"
	"fmt"

	"github.com/itohio/goeis/pkg/fault"
)

var (
	ErrNotInitialized = fmt.Errorf("%w: sweep is not set up", fault.ErrUsage)
	ErrBusy           = fmt.Errorf("%w: sweep in progress", fault.ErrUsage)

	ErrInvalidPlan        = fmt.Errorf("%w: invalid measurement plan", fault.ErrInvalidData)
	ErrCalibrationLength  = fmt.Errorf("%w: calibration length does not match the plan", fault.ErrInvalidData)
	ErrInvalidCalibration = fmt.Errorf("%w: calibration measurement is zero", fault.ErrInvalidData)
	ErrProfileTooLarge    = fmt.Errorf("%w: calibration profile too large", fault.ErrInvalidData)
	ErrProfileNotFound    = errors.New("eis: calibration profile not found")
	ErrNoSignal           = errors.New("eis: no current detected")
)

