package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "400kHz", cfg.Engine.TickFrequency)
	assert.Equal(t, uint32(65536), cfg.Engine.SubWindow)
	assert.Len(t, cfg.Sweep.Points, 4)
	assert.Equal(t, 0.02, cfg.Sweep.AmplitudePP)
	assert.Equal(t, uint8(2), cfg.Sweep.FeedbackPath)
	assert.Equal(t, 2*time.Second, cfg.Sweep.Equilibrium)
	assert.Equal(t, uint16(0x0010), cfg.Calibration.RealID)
	assert.Equal(t, uint16(0x0011), cfg.Calibration.ImagID)
	assert.Equal(t, complex(15.0, 0), cfg.Calibration.Reference())
	assert.Equal(t, 115200, cfg.Link.BaudRate)
	assert.Equal(t, float64(10000), cfg.Sim.ChargeTransferResistance)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "400kHz", cfg.Engine.TickFrequency)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
engine:
  tick_frequency: "200kHz"
  subwindow: 4096

sweep:
  amplitude_pp: 0.1
  bias: -0.25
  feedback_path: 3
  equilibrium: 500ms
  points:
    - frequency: 1000
      cycles: 10
    - frequency: 50
      cycles: 3

calibration:
  enabled: false
  store: "/tmp/profiles.yaml"
  real_id: 32
  imag_id: 33

link:
  port: "/dev/ttyACM0"
  baud_rate: 921600

sim:
  series_resistance: 50
  charge_transfer_resistance: 2000
  double_layer_capacitance: 1e-6
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	tick, err := cfg.Engine.Tick()
	require.NoError(t, err)
	assert.Equal(t, 200*physic.KiloHertz, tick)
	assert.Equal(t, uint32(4096), cfg.Engine.SubWindow)

	assert.Equal(t, 0.1, cfg.Sweep.AmplitudePP)
	assert.Equal(t, -0.25, cfg.Sweep.Bias)
	assert.Equal(t, uint8(3), cfg.Sweep.FeedbackPath)
	assert.Equal(t, 500*time.Millisecond, cfg.Sweep.Equilibrium)
	assert.Equal(t, []PointConfig{{Frequency: 1000, Cycles: 10}, {Frequency: 50, Cycles: 3}}, cfg.Sweep.Points)

	assert.False(t, cfg.Calibration.Enabled)
	assert.Equal(t, "/tmp/profiles.yaml", cfg.Calibration.Store)
	assert.Equal(t, uint16(32), cfg.Calibration.RealID)
	assert.Equal(t, uint16(33), cfg.Calibration.ImagID)

	assert.Equal(t, "/dev/ttyACM0", cfg.Link.Port)
	assert.Equal(t, 921600, cfg.Link.BaudRate)

	assert.Equal(t, float64(50), cfg.Sim.SeriesResistance)
	assert.Equal(t, 1e-6, cfg.Sim.DoubleLayerCapacitance)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
link:
  port: "/dev/ttyACM0"
engine:
  subwindow: 0
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM0", cfg.Link.Port)
	assert.Equal(t, uint32(65536), cfg.Engine.SubWindow) // default
	assert.Len(t, cfg.Sweep.Points, 4)                   // default
	assert.Equal(t, 115200, cfg.Link.BaudRate)           // default
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Link.Port = "/dev/ttyUSB0"
	cfg.Sweep.Bias = 0.5

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Link.Port)
	assert.Equal(t, 0.5, loaded.Sweep.Bias)
}

func TestEngineConfig_Tick(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    physic.Frequency
		wantErr bool
	}{
		{name: "kilohertz", value: "400kHz", want: 400 * physic.KiloHertz},
		{name: "megahertz", value: "1MHz", want: physic.MegaHertz},
		{name: "garbage", value: "fast", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EngineConfig{TickFrequency: tt.value}.Tick()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
