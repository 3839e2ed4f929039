package link

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goeis/pkg/eis"
)

const runID = "6f1c2a7e-9d4b-4c3e-8a1f-2b5d7e9c0a13"

func TestParseLine(t *testing.T) {
	run := uuid.MustParse(runID)

	tests := []struct {
		name    string
		line    string
		want    Record
		wantErr bool
	}{
		{
			name: "start",
			line: "S," + runID + ",4",
			want: Record{Kind: KindStart, Run: run, Points: 4},
		},
		{
			name: "datapoint",
			line: "D," + runID + ",2,1000,10.5,-3.25",
			want: Record{Kind: KindDatapoint, Run: run, Datapoint: eis.Datapoint{Index: 2, Frequency: 1000, Real: 10.5, Imag: -3.25}},
		},
		{
			name: "datapoint with exponents",
			line: "D," + runID + ",0,1e-03,1.5e+02,-2e-06",
			want: Record{Kind: KindDatapoint, Run: run, Datapoint: eis.Datapoint{Index: 0, Frequency: 0.001, Real: 150, Imag: -2e-6}},
		},
		{
			name: "complete",
			line: "C," + runID,
			want: Record{Kind: KindComplete, Run: run},
		},
		{
			name: "error message keeps commas",
			line: "E," + runID + ",point 3 at 10 Hz: no signal, check cell",
			want: Record{Kind: KindError, Run: run, Message: "point 3 at 10 Hz: no signal, check cell"},
		},
		{
			name: "surrounding whitespace",
			line: "  C," + runID + "\r\n",
			want: Record{Kind: KindComplete, Run: run},
		},
		{name: "empty", line: "", wantErr: true},
		{name: "unknown kind", line: "X," + runID, wantErr: true},
		{name: "missing separator", line: "S" + runID, wantErr: true},
		{name: "bad run id", line: "C,not-a-uuid", wantErr: true},
		{name: "start without count", line: "S," + runID, wantErr: true},
		{name: "negative count", line: "S," + runID + ",-1", wantErr: true},
		{name: "datapoint short", line: "D," + runID + ",1,1000,10", wantErr: true},
		{name: "datapoint bad index", line: "D," + runID + ",x,1000,10,0", wantErr: true},
		{name: "datapoint bad float", line: "D," + runID + ",1,1000,abc,0", wantErr: true},
		{name: "complete with extra field", line: "C," + runID + ",1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "start", KindStart.String())
	assert.Equal(t, "datapoint", KindDatapoint.String())
	assert.Equal(t, "complete", KindComplete.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "kind('Z')", Kind('Z').String())
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	run, err := w.Start(2)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, run)
	assert.Equal(t, run, w.Run())

	require.NoError(t, w.Datapoint(eis.Datapoint{Index: 0, Frequency: 10, Real: 11.0123456789, Imag: -0.1}))
	require.NoError(t, w.Error(errors.New("overrun\nat point 1")))
	require.NoError(t, w.Complete())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "S,"+run.String()+",2", lines[0])
	assert.Equal(t, "D,"+run.String()+",0,10,11.0123456789,-0.1", lines[1])
	assert.Equal(t, "E,"+run.String()+",overrun at point 1", lines[2])
	assert.Equal(t, "C,"+run.String(), lines[3])

	for _, line := range lines {
		rec, err := ParseLine(line)
		require.NoError(t, err, line)
		assert.Equal(t, run, rec.Run)
	}
}

func TestWriter_StartNewRun(t *testing.T) {
	w := NewWriter(io.Discard)

	first, err := w.Start(1)
	require.NoError(t, err)
	second, err := w.Start(1)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("port gone") }

func TestWriter_Failure(t *testing.T) {
	w := NewWriter(failingWriter{})

	_, err := w.Start(1)
	assert.ErrorContains(t, err, "failed to write start record")
	assert.ErrorContains(t, w.Complete(), "port gone")
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	run, err := w.Start(3)
	require.NoError(t, err)
	for i, f := range []float64{10, 100, 1000} {
		require.NoError(t, w.Datapoint(eis.Datapoint{Index: i, Frequency: f, Real: 1, Imag: -float64(i)}))
	}
	require.NoError(t, w.Complete())
	buf.WriteString("garbage line\n\n")

	s := NewStream(&buf, 0)
	require.NoError(t, s.Connect())
	assert.True(t, s.IsConnected())
	assert.Error(t, s.Connect())

	var got []Record
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case rec, ok := <-s.Records():
			if !ok {
				done = true
				break
			}
			got = append(got, rec)
		case <-timeout:
			t.Fatal("records channel did not close at end of input")
		}
	}

	require.Len(t, got, 5)
	assert.Equal(t, KindStart, got[0].Kind)
	assert.Equal(t, 3, got[0].Points)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, KindDatapoint, got[i].Kind)
		assert.Equal(t, i-1, got[i].Datapoint.Index)
		assert.Equal(t, run, got[i].Run)
	}
	assert.Equal(t, KindComplete, got[4].Kind)

	assert.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
}

// TestStream_GracefulShutdown checks that Close unblocks the reader and
// closes the records channel.
func TestStream_GracefulShutdown(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewStream(pr, 4)
	require.NoError(t, s.Connect())

	w := NewWriter(pw)
	go func() {
		_, _ = w.Start(1)
	}()

	select {
	case rec := <-s.Records():
		assert.Equal(t, KindStart, rec.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no record received")
	}

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "second close is a no-op")

	select {
	case _, ok := <-s.Records():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("records channel did not close within timeout")
	}
}

func TestSerial_ConnectMissingPort(t *testing.T) {
	s := New("/dev/does-not-exist-eis", 0, 0)
	assert.False(t, s.IsConnected())
	assert.Error(t, s.Connect())
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Close())
}
