package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/cmplx"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goeis/pkg/config"
	"github.com/itohio/goeis/pkg/eis"
	"github.com/itohio/goeis/pkg/fault"
	"github.com/itohio/goeis/pkg/link"
	"github.com/itohio/goeis/pkg/store"
)

type recordingReporter struct{ errs []error }

func (r *recordingReporter) Report(err error) { r.errs = append(r.errs, err) }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.SubWindow = 4096
	cfg.Sweep = config.SweepConfig{
		Points: []config.PointConfig{
			{Frequency: 1000, Cycles: 20},
			{Frequency: 10000, Cycles: 100},
		},
		AmplitudePP:  0.1,
		FeedbackPath: 1,
	}
	cfg.Sim.Burst = 64
	return cfg
}

func parseRecords(t *testing.T, out string) []link.Record {
	t.Helper()
	var recs []link.Record
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		rec, err := link.ParseLine(line)
		require.NoError(t, err, line)
		recs = append(recs, rec)
	}
	return recs
}

func TestInstrument_CalibrateThenMeasure(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemory()
	rep := &recordingReporter{}

	var out bytes.Buffer
	inst, err := newInstrument(cfg, st, &out, rep)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reference, err := inst.run(ctx, true)
	require.NoError(t, err)
	require.Len(t, reference, 2)

	recs := parseRecords(t, out.String())
	require.Len(t, recs, 4)
	assert.Equal(t, link.KindStart, recs[0].Kind)
	assert.Equal(t, 2, recs[0].Points)
	assert.Equal(t, link.KindDatapoint, recs[1].Kind)
	assert.Equal(t, link.KindDatapoint, recs[2].Kind)
	assert.Equal(t, link.KindComplete, recs[3].Kind)
	for _, rec := range recs {
		assert.Equal(t, recs[0].Run, rec.Run)
	}

	cal, err := eis.LoadCalibrationProfile(st, cfg.Calibration.RealID, cfg.Calibration.ImagID)
	require.NoError(t, err)
	assert.Equal(t, reference.Calibration(), cal)

	out.Reset()
	spectrum, err := inst.run(ctx, false)
	require.NoError(t, err)
	require.Len(t, spectrum, 2)
	assert.Empty(t, rep.errs)

	mags := spectrum.Magnitudes()
	phases := spectrum.Phases()
	for i, dp := range spectrum {
		want := inst.fe.Cell().Impedance(dp.Frequency) / 1000
		assert.InEpsilon(t, cmplx.Abs(want), mags[i], 0.03, "%g Hz", dp.Frequency)
		assert.InDelta(t, cmplx.Phase(want)*180/math.Pi, phases[i], 1.5, "%g Hz", dp.Frequency)
	}

	recs = parseRecords(t, out.String())
	require.Len(t, recs, 4)
	assert.Equal(t, spectrum[1], recs[2].Datapoint)
}

func TestInstrument_Uncalibrated(t *testing.T) {
	cfg := testConfig()
	inst, err := newInstrument(cfg, store.NewMemory(), &bytes.Buffer{}, &recordingReporter{})
	require.NoError(t, err)

	cal, err := inst.calibration()
	require.NoError(t, err)
	assert.Nil(t, cal, "missing profile")

	require.NoError(t, eis.SaveCalibrationProfile(inst.store, cfg.Calibration.RealID, cfg.Calibration.ImagID,
		&eis.Calibration{Real: []float64{15}, Imag: []float64{0}}))
	cal, err = inst.calibration()
	require.NoError(t, err)
	assert.Nil(t, cal, "profile for a different sweep")

	cfg.Calibration.Enabled = false
	cal, err = inst.calibration()
	require.NoError(t, err)
	assert.Nil(t, cal)
}

func TestInstrument_Interrupt(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.Equilibrium = time.Hour

	var out bytes.Buffer
	inst, err := newInstrument(cfg, store.NewMemory(), &out, &recordingReporter{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var spectrum eis.Spectrum
	go func() {
		defer close(done)
		spectrum, err = inst.run(ctx, false)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not stop after interrupt")
	}

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, spectrum)
	assert.Equal(t, eis.Ready, inst.eng.State())
	assert.False(t, inst.fe.Powered())
	assert.Zero(t, inst.alarms.Pending())

	recs := parseRecords(t, out.String())
	require.Len(t, recs, 1)
	assert.Equal(t, link.KindStart, recs[0].Kind)
}

func TestInstrument_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TickFrequency = "fast"
	_, err := newInstrument(cfg, store.NewMemory(), &bytes.Buffer{}, &recordingReporter{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Engine.SubWindow = 1000
	_, err = newInstrument(cfg, store.NewMemory(), &bytes.Buffer{}, &recordingReporter{})
	assert.Error(t, err)
}

func TestInstrument_ZeroCalibrationHalts(t *testing.T) {
	cfg := testConfig()
	rep := &recordingReporter{}

	var out bytes.Buffer
	inst, err := newInstrument(cfg, store.NewMemory(), &out, rep)
	require.NoError(t, err)
	require.NoError(t, eis.SaveCalibrationProfile(inst.store, cfg.Calibration.RealID, cfg.Calibration.ImagID,
		&eis.Calibration{Real: []float64{15, 0}, Imag: []float64{0, 0}}))

	_, err = inst.run(context.Background(), false)
	assert.ErrorIs(t, err, eis.ErrInvalidCalibration)

	require.Len(t, rep.errs, 1)
	assert.ErrorIs(t, rep.errs[0], eis.ErrInvalidCalibration)
	assert.True(t, fault.IsFatal(rep.errs[0]))

	recs := parseRecords(t, out.String())
	require.Len(t, recs, 1)
	assert.Equal(t, link.KindError, recs[0].Kind)
	assert.Contains(t, recs[0].Message, "zero")
	assert.False(t, inst.fe.Powered())
}

func TestInstrument_LinkFailureReported(t *testing.T) {
	rep := &recordingReporter{}
	inst, err := newInstrument(testConfig(), store.NewMemory(), brokenLink{}, rep)
	require.NoError(t, err)

	_, err = inst.run(context.Background(), false)
	assert.ErrorContains(t, err, "failed to write start record")
	require.Len(t, rep.errs, 1)
	assert.False(t, fault.IsFatal(rep.errs[0]))
	assert.Equal(t, eis.Ready, inst.eng.State())
}

type brokenLink struct{}

func (brokenLink) Write([]byte) (int, error) { return 0, errors.New("port gone") }
