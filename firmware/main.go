package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goeis/pkg/config"
	"github.com/itohio/goeis/pkg/fault"
	"github.com/itohio/goeis/pkg/link"
	"github.com/itohio/goeis/pkg/store"
)

func main() {
	var (
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		portFlag      = flag.String("p", "", "Serial port to report on (default stdout)")
		calibrateFlag = flag.Bool("calibrate", false, "Measure the calibration element and save the profile")
		saveFlag      = flag.Bool("save-config", false, "Write the effective configuration back to the config file")
	)
	flag.Parse()

	// Records go to stdout, so diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Link.Port = *portFlag
	}
	if *saveFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
	}

	st, err := store.OpenFile(cfg.Calibration.Store)
	if err != nil {
		log.Fatalf("Failed to open calibration store: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.Link.Port != "" {
		port, err := link.OpenPort(cfg.Link.Port, cfg.Link.BaudRate)
		if err != nil {
			log.Fatalf("Failed to open link: %v", err)
		}
		defer port.Close()
		out = port
	}

	halt := fault.NewHalt(nil, nil)
	inst, err := newInstrument(cfg, st, out, halt)
	if err != nil {
		halt.Report(err)
		log.Fatalf("Failed to initialize instrument: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spectrum, err := inst.run(ctx, *calibrateFlag)
	if err != nil {
		log.Printf("Sweep ended: %v", err)
		return
	}

	mags := spectrum.Magnitudes()
	phases := spectrum.Phases()
	for i, dp := range spectrum {
		log.Printf("%10.3f Hz  |Z| %10.4f kΩ  %7.2f°", dp.Frequency, mags[i], phases[i])
	}
}
