package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goeis/pkg/config"
	"github.com/itohio/goeis/pkg/link"
)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		fileFlag   = flag.String("f", "", "Read records from a file instead of a serial port (- for stdin)")
		listFlag   = flag.Bool("list", false, "List serial ports and exit")
		countFlag  = flag.Int("n", 1, "Number of sweeps to receive (0 = until interrupted)")
	)
	flag.Parse()

	if *listFlag {
		ports, err := link.Ports()
		if err != nil {
			log.Fatalf("Failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Link.Port = *portFlag
	}

	var rx link.Receiver
	switch {
	case *fileFlag == "-":
		rx = link.NewStream(os.Stdin, 0)
	case *fileFlag != "":
		f, err := os.Open(*fileFlag)
		if err != nil {
			log.Fatalf("Failed to open %s: %v", *fileFlag, err)
		}
		rx = link.NewStream(f, 0)
	case cfg.Link.Port != "":
		rx = link.New(cfg.Link.Port, cfg.Link.BaudRate, 0)
	default:
		log.Fatalf("No serial port configured, use -p or -list")
	}

	if err := rx.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer rx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := collect(ctx, rx.Records(), os.Stdout, *countFlag)
	if err != nil {
		log.Printf("%v", err)
		rx.Close()
		os.Exit(1)
	}
	log.Printf("Received %d sweeps", n)
}
