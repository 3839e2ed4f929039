package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/itohio/goeis/pkg/eis"
	"github.com/itohio/goeis/pkg/link"
)

var errSweepFailed = errors.New("sweep failed")

// sweep accumulates the datapoints of one run.
type sweep struct {
	run      uuid.UUID
	points   int
	spectrum eis.Spectrum
}

// collect prints every completed sweep received on records until the channel
// closes, ctx is done or limit sweeps have been printed (0 is unlimited).
func collect(ctx context.Context, records <-chan link.Record, w io.Writer, limit int) (int, error) {
	var cur *sweep
	printed := 0

	for {
		var rec link.Record
		var ok bool
		select {
		case <-ctx.Done():
			return printed, nil
		case rec, ok = <-records:
			if !ok {
				if cur != nil {
					log.Printf("Link closed during sweep %s (%d of %d points)", cur.run, len(cur.spectrum), cur.points)
				}
				return printed, nil
			}
		}

		switch rec.Kind {
		case link.KindStart:
			if cur != nil {
				log.Printf("Sweep %s abandoned after %d points", cur.run, len(cur.spectrum))
			}
			cur = &sweep{run: rec.Run, points: rec.Points}

		case link.KindDatapoint:
			if cur == nil || cur.run != rec.Run {
				log.Printf("Ignoring datapoint %d of unknown sweep %s", rec.Datapoint.Index, rec.Run)
				continue
			}
			cur.spectrum = append(cur.spectrum, rec.Datapoint)

		case link.KindComplete:
			if cur == nil || cur.run != rec.Run {
				continue
			}
			if len(cur.spectrum) != cur.points {
				log.Printf("Sweep %s complete with %d of %d points", cur.run, len(cur.spectrum), cur.points)
			}
			if err := printSpectrum(w, cur); err != nil {
				return printed, err
			}
			cur = nil
			printed++
			if limit > 0 && printed >= limit {
				return printed, nil
			}

		case link.KindError:
			return printed, fmt.Errorf("%w: %s: %s", errSweepFailed, rec.Run, rec.Message)
		}
	}
}

func printSpectrum(w io.Writer, s *sweep) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "# sweep %s\n", s.run)
	fmt.Fprintln(tw, "index\tfrequency Hz\tRe kΩ\tIm kΩ\t|Z| kΩ\tphase °\t")

	mags := s.spectrum.Magnitudes()
	phases := s.spectrum.Phases()
	for i, dp := range s.spectrum {
		fmt.Fprintf(tw, "%d\t%.3f\t%.4f\t%.4f\t%.4f\t%.2f\t\n", dp.Index, dp.Frequency, dp.Real, dp.Imag, mags[i], phases[i])
	}
	return tw.Flush()
}
