// Package link carries sweep results between the instrument and the host as
// newline terminated, comma separated records:
//
//	S,<run>,<points>                      sweep started
//	D,<run>,<index>,<hz>,<real>,<imag>     datapoint in kΩ
//	C,<run>                                sweep complete
//	E,<run>,<message>                      error
package link

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/itohio/goeis/pkg/eis"
)

// Kind is the record type.
type Kind byte

const (
	KindStart     Kind = 'S'
	KindDatapoint Kind = 'D'
	KindComplete  Kind = 'C'
	KindError     Kind = 'E'
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindDatapoint:
		return "datapoint"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%q)", byte(k))
	}
}

// Record is one line of the link.
type Record struct {
	Kind      Kind
	Run       uuid.UUID
	Points    int           // KindStart
	Datapoint eis.Datapoint // KindDatapoint
	Message   string        // KindError
}

// String formats the record as a line without the terminator.
func (r Record) String() string {
	switch r.Kind {
	case KindStart:
		return fmt.Sprintf("S,%s,%d", r.Run, r.Points)
	case KindDatapoint:
		dp := r.Datapoint
		return fmt.Sprintf("D,%s,%d,%s,%s,%s", r.Run, dp.Index,
			strconv.FormatFloat(dp.Frequency, 'g', -1, 64),
			strconv.FormatFloat(dp.Real, 'g', -1, 64),
			strconv.FormatFloat(dp.Imag, 'g', -1, 64))
	case KindComplete:
		return fmt.Sprintf("C,%s", r.Run)
	default:
		return fmt.Sprintf("E,%s,%s", r.Run, strings.ReplaceAll(r.Message, "\n", " "))
	}
}

// ParseLine parses a record line.
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[1] != ',' {
		return Record{}, fmt.Errorf("invalid record %q", line)
	}

	kind := Kind(line[0])
	var parts []string
	switch kind {
	case KindError:
		parts = strings.SplitN(line, ",", 3)
	default:
		parts = strings.Split(line, ",")
	}

	want := map[Kind]int{KindStart: 3, KindDatapoint: 6, KindComplete: 2, KindError: 3}[kind]
	if want == 0 {
		return Record{}, fmt.Errorf("unknown record kind %q", line[0])
	}
	if len(parts) != want {
		return Record{}, fmt.Errorf("invalid %s record: expected %d fields, got %d", kind, want, len(parts))
	}

	run, err := uuid.Parse(parts[1])
	if err != nil {
		return Record{}, fmt.Errorf("invalid run id: %w", err)
	}
	rec := Record{Kind: kind, Run: run}

	switch kind {
	case KindStart:
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return Record{}, fmt.Errorf("invalid point count %q", parts[2])
		}
		rec.Points = n
	case KindDatapoint:
		idx, err := strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return Record{}, fmt.Errorf("invalid index %q", parts[2])
		}
		var v [3]float64
		for i := range v {
			v[i], err = strconv.ParseFloat(parts[3+i], 64)
			if err != nil {
				return Record{}, fmt.Errorf("invalid datapoint field %d: %w", 3+i, err)
			}
		}
		rec.Datapoint = eis.Datapoint{Index: idx, Frequency: v[0], Real: v[1], Imag: v[2]}
	case KindError:
		rec.Message = parts[2]
	}

	return rec, nil
}
