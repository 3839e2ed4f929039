// Package fault classifies the errors raised by the measurement engine and
// maps contract violations onto the instrument's halt-and-report behaviour.
package fault

import (
	"errors"
	"log"
	"os"
)

// Error categories. Package sentinels wrap one of these so callers can
// classify any returned error with errors.Is.
var (
	// ErrUsage marks an operation invoked while a state machine is in an
	// incompatible state.
	ErrUsage = errors.New("usage error")
	// ErrInvalidData marks malformed plans, calibration buffers or results.
	ErrInvalidData = errors.New("invalid data")
	// ErrResource marks failures of external collaborators such as the
	// object store or the alarm service.
	ErrResource = errors.New("resource error")
)

// IsFatal reports whether err is a contract violation that the device would
// halt on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUsage) || errors.Is(err, ErrInvalidData)
}

// Reporter receives errors surfaced by the polling loop.
type Reporter interface {
	Report(err error)
}

// Halt logs every reported error and stops the process on contract
// violations.
type Halt struct {
	logger *log.Logger
	exit   func(code int)
}

var _ Reporter = (*Halt)(nil)

// NewHalt creates a Halt reporter. A nil logger uses log.Default(), a nil
// exit function uses os.Exit.
func NewHalt(logger *log.Logger, exit func(code int)) *Halt {
	if logger == nil {
		logger = log.Default()
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Halt{logger: logger, exit: exit}
}

// Report logs err. Fatal errors terminate through the exit function.
func (h *Halt) Report(err error) {
	if err == nil {
		return
	}

	if !IsFatal(err) {
		h.logger.Printf("Recoverable error: %v", err)
		return
	}

	h.logger.Printf("FATAL: %v", err)
	h.exit(1)
}
