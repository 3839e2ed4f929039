package link

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/itohio/goeis/pkg/eis"
)

// DefaultBaudRate is the link baud rate.
const DefaultBaudRate = 115200

// Writer emits the records of the instrument side.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	run uuid.UUID
}

// NewWriter creates a writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// OpenPort opens a serial port for the instrument side of the link.
func OpenPort(name string, baudRate int) (serial.Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}

// Run returns the id of the current sweep.
func (w *Writer) Run() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run
}

// Start begins a new sweep of points datapoints and returns its run id.
func (w *Writer) Start(points int) (uuid.UUID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.run = uuid.New()
	return w.run, w.write(Record{Kind: KindStart, Run: w.run, Points: points})
}

// Datapoint emits a datapoint of the current sweep.
func (w *Writer) Datapoint(dp eis.Datapoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(Record{Kind: KindDatapoint, Run: w.run, Datapoint: dp})
}

// Complete marks the current sweep complete.
func (w *Writer) Complete() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(Record{Kind: KindComplete, Run: w.run})
}

// Error reports err against the current sweep.
func (w *Writer) Error(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(Record{Kind: KindError, Run: w.run, Message: err.Error()})
}

func (w *Writer) write(r Record) error {
	if _, err := io.WriteString(w.w, r.String()+"\n"); err != nil {
		return fmt.Errorf("failed to write %s record: %w", r.Kind, err)
	}
	return nil
}
