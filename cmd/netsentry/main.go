package main

// ---------------------------------------------------------------------------
// main.go — netsentry daemon entrypoint
//
// Loads configuration, builds the engine, and runs it until SIGINT/SIGTERM.
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/engine"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file (optional)")
		simulate    = flag.Bool("simulate", false, "run the built-in traffic simulator")
		simSeed     = flag.Int64("sim-seed", 0, "simulator RNG seed (0 = time-based)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("netsentry %s (%s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, engine.Options{
		Simulate:     *simulate,
		SimulateSeed: *simSeed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initializing engine: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
