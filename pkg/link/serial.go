package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// DefaultBufferSize is the default size of the records channel.
const DefaultBufferSize = 100

// Receiver is the host side of the link.
type Receiver interface {
	Connect() error
	Close() error
	Records() <-chan Record
	IsConnected() bool
}

var (
	_ Receiver = (*Serial)(nil)
	_ Receiver = (*Stream)(nil)
)

// Port is a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns the available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial receives records from the instrument over a serial port.
type Serial struct {
	port     string
	baudRate int

	conn serial.Port
	*reader
}

// New creates a serial receiver for port.
func New(port string, baudRate int, bufSize int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &Serial{
		port:     port,
		baudRate: baudRate,
		reader:   newReader(bufSize),
	}
}

// Connect opens the port and starts reading records.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}

	s.conn = conn
	s.start(conn)
	return nil
}

// Close stops reading and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	s.cancel()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		s.conn = nil
	}
	s.connected = false
	return nil
}

// Stream receives records from any reader, such as a capture file or the
// standard output of a local instrument.
type Stream struct {
	r io.Reader
	*reader
}

// NewStream creates a receiver reading records from r.
func NewStream(r io.Reader, bufSize int) *Stream {
	return &Stream{r: r, reader: newReader(bufSize)}
}

// Connect starts reading records.
func (s *Stream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}
	s.start(s.r)
	return nil
}

// Close stops forwarding records. A reader blocked in Read is left to its
// owner; closers are closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.cancel()
	if c, ok := s.r.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("Error closing stream: %v", err)
		}
	}
	s.connected = false
	return nil
}

// reader is the record pump shared by the receivers. The records channel is
// closed when the pump exits.
type reader struct {
	records   chan Record
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	started   bool
}

func newReader(bufSize int) *reader {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &reader{
		records: make(chan Record, bufSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Records returns the channel of parsed records.
func (r *reader) Records() <-chan Record {
	return r.records
}

// IsConnected reports whether the receiver is reading.
func (r *reader) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// start must be called with mu held.
func (r *reader) start(src io.Reader) {
	r.connected = true
	if r.started {
		return
	}
	r.started = true
	go r.read(src)
}

func (r *reader) read(src io.Reader) {
	defer close(r.records)
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Panic in record reader: %v", p)
		}
	}()

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := ParseLine(line)
		if err != nil {
			log.Printf("Failed to parse line '%s': %v", line, err)
			continue
		}

		// Datapoints are dropped when the consumer lags; framing records
		// are delivered.
		if rec.Kind == KindDatapoint {
			select {
			case r.records <- rec:
			case <-r.ctx.Done():
				return
			default:
				log.Printf("Records channel full, dropping datapoint %d", rec.Datapoint.Index)
			}
			continue
		}
		select {
		case r.records <- rec:
		case <-r.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && r.ctx.Err() == nil {
		log.Printf("Error reading records: %v", err)
	}
}
