package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/itohio/goeis/pkg/alarm"
	"github.com/itohio/goeis/pkg/board"
	"github.com/itohio/goeis/pkg/config"
	"github.com/itohio/goeis/pkg/eis"
	"github.com/itohio/goeis/pkg/fault"
	"github.com/itohio/goeis/pkg/link"
	"github.com/itohio/goeis/pkg/lockin"
	"github.com/itohio/goeis/pkg/store"
)

// pollInterval keeps the main loop from spinning while the timer goroutine
// does the work.
const pollInterval = 100 * time.Microsecond

// instrument wires the simulated board to the sweep engine.
type instrument struct {
	cfg      *config.Config
	fe       *board.Sim
	timer    *board.SimTimer
	alarms   *alarm.Service
	det      *lockin.Detector
	eng      *eis.Engine
	store    store.Store
	out      *link.Writer
	reporter fault.Reporter
}

func newInstrument(cfg *config.Config, st store.Store, w io.Writer, reporter fault.Reporter) (*instrument, error) {
	tick, err := cfg.Engine.Tick()
	if err != nil {
		return nil, err
	}

	fe := board.NewSim(&cfg.Sim)
	fe.SetTickFrequency(tick)

	timer := board.NewSimTimer(cfg.Sim.Burst, cfg.Sim.Pace)
	det, err := lockin.New(fe, timer, lockin.Config{
		TickFrequency: tick,
		SubWindow:     cfg.Engine.SubWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	alarms := alarm.New(alarm.SystemClock{})
	eng := eis.New(fe, det, alarms, eis.Options{Reference: cfg.Calibration.Reference()})

	return &instrument{
		cfg:      cfg,
		fe:       fe,
		timer:    timer,
		alarms:   alarms,
		det:      det,
		eng:      eng,
		store:    st,
		out:      link.NewWriter(w),
		reporter: reporter,
	}, nil
}

func (in *instrument) plan(calibrate bool) eis.Plan {
	s := in.cfg.Sweep
	points := make([]eis.Point, len(s.Points))
	for i, p := range s.Points {
		points[i] = eis.Point{Frequency: p.Frequency, Cycles: p.Cycles}
	}
	return eis.Plan{
		Points:           points,
		AmplitudePP:      s.AmplitudePP,
		Bias:             s.Bias,
		FeedbackPath:     board.FeedbackPath(s.FeedbackPath),
		Equilibrium:      s.Equilibrium,
		CalibrationRelay: calibrate,
	}
}

// calibration loads the stored profile. A missing profile runs the sweep
// uncalibrated.
func (in *instrument) calibration() (*eis.Calibration, error) {
	c := in.cfg.Calibration
	if !c.Enabled {
		return nil, nil
	}

	cal, err := eis.LoadCalibrationProfile(in.store, c.RealID, c.ImagID)
	switch {
	case errors.Is(err, eis.ErrProfileNotFound):
		log.Printf("No calibration profile (0x%04x/0x%04x), measuring uncalibrated", c.RealID, c.ImagID)
		return nil, nil
	case errors.Is(err, fault.ErrResource):
		log.Printf("Calibration profile unavailable, measuring uncalibrated: %v", err)
		return nil, nil
	case err != nil:
		return nil, err
	}

	if cal.Len() != len(in.cfg.Sweep.Points) {
		log.Printf("Calibration profile has %d points, sweep has %d, measuring uncalibrated", cal.Len(), len(in.cfg.Sweep.Points))
		return nil, nil
	}
	return cal, nil
}

// run performs one sweep and returns the measured spectrum. In calibrate
// mode the reference element is measured and saved as the profile.
// Cancelling ctx stops the sweep.
func (in *instrument) run(ctx context.Context, calibrate bool) (eis.Spectrum, error) {
	var cal *eis.Calibration
	if !calibrate {
		var err error
		if cal, err = in.calibration(); err != nil {
			return nil, in.fail(err)
		}
	}

	var spectrum eis.Spectrum
	complete := false
	onDatapoint := func(dp eis.Datapoint) {
		spectrum = append(spectrum, dp)
		if err := in.out.Datapoint(dp); err != nil {
			log.Printf("Failed to report datapoint %d: %v", dp.Index, err)
		}
	}

	plan := in.plan(calibrate)
	if err := in.eng.Setup(plan, cal, onDatapoint, func() { complete = true }); err != nil {
		return nil, in.fail(err)
	}

	timerCtx, cancelTimer := context.WithCancel(context.Background())
	timerDone := make(chan struct{})
	go func() {
		defer close(timerDone)
		in.timer.Run(timerCtx)
	}()
	defer func() {
		cancelTimer()
		<-timerDone
	}()

	run, err := in.out.Start(len(plan.Points))
	if err != nil {
		return nil, in.fail(err)
	}
	log.Printf("Sweep %s: %d points, calibrate=%v", run, len(plan.Points), calibrate)
	in.eng.Start()

	stopping := false
	for !complete {
		if !stopping && ctx.Err() != nil {
			stopping = true
			in.eng.Stop()
		}

		in.alarms.Execute()
		if err := in.eng.Execute(); err != nil {
			return spectrum, in.fail(err)
		}

		if stopping && in.eng.State() == eis.Ready {
			log.Printf("Sweep %s interrupted after %d points", run, len(spectrum))
			return spectrum, ctx.Err()
		}

		time.Sleep(pollInterval)
	}

	if err := in.out.Complete(); err != nil {
		return spectrum, in.fail(err)
	}

	if calibrate {
		c := in.cfg.Calibration
		if err := eis.SaveCalibrationProfile(in.store, c.RealID, c.ImagID, spectrum.Calibration()); err != nil {
			return spectrum, in.fail(fmt.Errorf("failed to save calibration profile: %w", err))
		}
		log.Printf("Calibration profile saved (0x%04x/0x%04x, %d points)", c.RealID, c.ImagID, len(spectrum))
	}

	return spectrum, nil
}

// fail reports err on the link and to the reporter, which halts on contract
// violations. It returns err.
func (in *instrument) fail(err error) error {
	if werr := in.out.Error(err); werr != nil {
		log.Printf("Failed to report error: %v", werr)
	}
	in.reporter.Report(err)
	return err
}
