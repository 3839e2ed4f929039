package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Config represents the instrument configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Link        LinkConfig        `yaml:"link"`
	Sim         SimConfig         `yaml:"sim"`
}

// EngineConfig contains lock-in detector timing.
type EngineConfig struct {
	TickFrequency string `yaml:"tick_frequency"` // e.g. "400kHz"
	SubWindow     uint32 `yaml:"subwindow"`      // Ticks per sub-window, power of two
}

// SweepConfig describes one impedance sweep.
type SweepConfig struct {
	Points       []PointConfig `yaml:"points"`
	AmplitudePP  float64       `yaml:"amplitude_pp"`  // Excitation amplitude (Vpp)
	Bias         float64       `yaml:"bias"`          // Bias potential (V)
	FeedbackPath uint8         `yaml:"feedback_path"` // TIA feedback path 0..5
	Equilibrium  time.Duration `yaml:"equilibrium"`
}

// PointConfig is a single frequency of the sweep.
type PointConfig struct {
	Frequency float64 `yaml:"frequency"` // Hz
	Cycles    uint32  `yaml:"cycles"`
}

// CalibrationConfig contains calibration profile storage parameters.
type CalibrationConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Store         string  `yaml:"store"`
	RealID        uint16  `yaml:"real_id"`
	ImagID        uint16  `yaml:"imag_id"`
	ReferenceReal float64 `yaml:"reference_real"` // kΩ
	ReferenceImag float64 `yaml:"reference_imag"` // kΩ
}

// LinkConfig contains datapoint link configuration.
type LinkConfig struct {
	Port     string `yaml:"port"` // Empty writes records to stdout
	BaudRate int    `yaml:"baud_rate"`
}

// SimConfig contains simulated front end parameters.
type SimConfig struct {
	SeriesResistance         float64       `yaml:"series_resistance"`          // Ω
	ChargeTransferResistance float64       `yaml:"charge_transfer_resistance"` // Ω
	DoubleLayerCapacitance   float64       `yaml:"double_layer_capacitance"`   // F
	Noise                    float64       `yaml:"noise"`                      // ADC counts RMS
	Burst                    int           `yaml:"burst"`                      // Ticks per simulated burst
	Pace                     time.Duration `yaml:"pace"`                       // Sleep between bursts
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			TickFrequency: "400kHz",
			SubWindow:     65536,
		},
		Sweep: SweepConfig{
			Points: []PointConfig{
				{Frequency: 10, Cycles: 2},
				{Frequency: 100, Cycles: 10},
				{Frequency: 1000, Cycles: 50},
				{Frequency: 10000, Cycles: 200},
			},
			AmplitudePP:  0.02,
			Bias:         0.0,
			FeedbackPath: 2,
			Equilibrium:  2 * time.Second,
		},
		Calibration: CalibrationConfig{
			Enabled:       true,
			Store:         "calibration.yaml",
			RealID:        0x0010,
			ImagID:        0x0011,
			ReferenceReal: 15.0,
			ReferenceImag: 0.0,
		},
		Link: LinkConfig{
			Port:     "",
			BaudRate: 115200,
		},
		Sim: SimConfig{
			SeriesResistance:         1000,
			ChargeTransferResistance: 10000,
			DoubleLayerCapacitance:   100e-9,
			Noise:                    0,
			Burst:                    256,
			Pace:                     0,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Tick parses the configured tick frequency.
func (e EngineConfig) Tick() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(e.TickFrequency); err != nil {
		return 0, fmt.Errorf("invalid tick frequency %q: %w", e.TickFrequency, err)
	}
	return f, nil
}

// Reference returns the calibration element impedance in kΩ.
func (c CalibrationConfig) Reference() complex128 {
	return complex(c.ReferenceReal, c.ReferenceImag)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Engine.TickFrequency == "" {
		c.Engine.TickFrequency = def.Engine.TickFrequency
	}
	if c.Engine.SubWindow == 0 {
		c.Engine.SubWindow = def.Engine.SubWindow
	}

	if len(c.Sweep.Points) == 0 {
		c.Sweep.Points = def.Sweep.Points
	}
	if c.Sweep.AmplitudePP == 0 {
		c.Sweep.AmplitudePP = def.Sweep.AmplitudePP
	}

	if c.Calibration.Store == "" {
		c.Calibration.Store = def.Calibration.Store
	}
	if c.Calibration.RealID == 0 && c.Calibration.ImagID == 0 {
		c.Calibration.RealID = def.Calibration.RealID
		c.Calibration.ImagID = def.Calibration.ImagID
	}
	if c.Calibration.ReferenceReal == 0 && c.Calibration.ReferenceImag == 0 {
		c.Calibration.ReferenceReal = def.Calibration.ReferenceReal
	}

	if c.Link.BaudRate == 0 {
		c.Link.BaudRate = def.Link.BaudRate
	}

	if c.Sim.SeriesResistance == 0 {
		c.Sim.SeriesResistance = def.Sim.SeriesResistance
	}
	if c.Sim.ChargeTransferResistance == 0 {
		c.Sim.ChargeTransferResistance = def.Sim.ChargeTransferResistance
	}
	if c.Sim.DoubleLayerCapacitance == 0 {
		c.Sim.DoubleLayerCapacitance = def.Sim.DoubleLayerCapacitance
	}
	if c.Sim.Burst == 0 {
		c.Sim.Burst = def.Sim.Burst
	}
}
