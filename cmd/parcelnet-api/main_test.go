package main

import (
	"testing"
	"time"

	"parcelnet/internal/config"
)

func TestSimulationConfigCarriesEveryStep(t *testing.T) {
	got := simulationConfig(config.SimulationConfig{
		TickInterval:    100 * time.Millisecond,
		PolylineTimeout: time.Second,
		AirThresholdKm:  600,
		LongTrunkKm:     80,
		DeliveryStepKm:  0.1,
		TrunkStepKm:     4,
		AirStepKm:       30,
	})
	if got.TickInterval != 100*time.Millisecond || got.PolylineTimeout != time.Second {
		t.Fatalf("unexpected timing %+v", got)
	}
	if got.AirThresholdKm != 600 || got.LongTrunkKm != 80 {
		t.Fatalf("unexpected thresholds %+v", got)
	}
	if got.DeliveryStepKm != 0.1 || got.TrunkStepKm != 4 || got.AirStepKm != 30 {
		t.Fatalf("unexpected path steps %+v", got)
	}
}
