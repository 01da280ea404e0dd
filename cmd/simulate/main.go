// README: Offline scenario runner; drives the dispatcher and simulator in-process and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"parcelnet/internal/logging"
)

func main() {
	cfg := loadConfig()
	logging.Setup(cfg.LogLevel, "text")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case "PASS":
			pass++
		case "FAIL":
			fail++
		case "SKIP":
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)
	if fail > 0 {
		os.Exit(1)
	}
}

type Config struct {
	SeedPath   string
	Origin     string
	Tick       time.Duration
	StepKm     float64
	Timeout    time.Duration
	LogLevel   string
	PrintEvent bool
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.SeedPath, "seed", "data/topology.yaml", "Topology seed file")
	flag.StringVar(&cfg.Origin, "origin", "STA-XINYI", "Facility the couriers start from")
	flag.DurationVar(&cfg.Tick, "tick", 5*time.Millisecond, "Simulation tick interval")
	flag.Float64Var(&cfg.StepKm, "step-km", 0.2, "Delivery path resolution in km")
	flag.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "Total timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level for the services")
	flag.BoolVar(&cfg.PrintEvent, "events", false, "Print every status transition")
	flag.Parse()
	return cfg
}
