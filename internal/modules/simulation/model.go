// README: Movement simulator configuration, collaborator interfaces and errors.
package simulation

import (
	"context"
	"errors"
	"time"

	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type Config struct {
	TickInterval    time.Duration
	PolylineTimeout time.Duration
	AirThresholdKm  float64 // hub-to-hub legs at least this long fly
	LongTrunkKm     float64 // trunk legs at least this long move faster
	DeliveryStepKm  float64 // path point spacing per mode
	TrunkStepKm     float64
	AirStepKm       float64
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    200 * time.Millisecond,
		PolylineTimeout: 2 * time.Second,
		AirThresholdKm:  500,
		LongTrunkKm:     100,
		DeliveryStepKm:  0.05,
		TrunkStepKm:     2,
		AirStepKm:       20,
	}
}

func (c Config) stepKm(mode tracking.Mode) float64 {
	switch mode {
	case tracking.ModeAir:
		return c.AirStepKm
	case tracking.ModeTrunk:
		return c.TrunkStepKm
	}
	return c.DeliveryStepKm
}

// Per-tick cursor advance and map hints per mode.
const (
	deliveryStepsPerTick  = 1
	trunkStepsPerTick     = 2
	longTrunkStepsPerTick = 4
	airStepsPerTick       = 6
	returnStepsPerTick    = 2

	deliveryZoom = 16
	trunkZoom    = 10
	airZoom      = 6
	returnZoom   = 14
)

func zoomFor(mode tracking.Mode) int {
	switch mode {
	case tracking.ModeAir:
		return airZoom
	case tracking.ModeTrunk:
		return trunkZoom
	}
	return deliveryZoom
}

var (
	ErrEmptyTrip           = errors.New("trip has no stops")
	ErrSuperseded          = errors.New("trip superseded by a newer trip for the same courier")
	ErrProviderUnavailable = errors.New("polyline provider unavailable")
	ErrClosed              = errors.New("simulator closed")
)

// PolylineProvider returns a road-following path between two points.
// Any error makes the simulator use a straight line instead.
type PolylineProvider interface {
	Polyline(ctx context.Context, from, to types.Point, mode tracking.Mode) ([]types.Point, error)
}

// OrderBook receives delivery confirmations.
type OrderBook interface {
	MarkDelivered(ctx context.Context, orderID types.ID, riderIndex int) error
}

// CompletionHandler is told about courier lifecycle transitions.
type CompletionHandler interface {
	OnReturning(ctx context.Context, riderIndex int)
	OnTripCompleted(ctx context.Context, riderIndex int)
	HasCourier(riderIndex int) bool
}

type nopCompletion struct{}

func (nopCompletion) OnReturning(context.Context, int)     {}
func (nopCompletion) OnTripCompleted(context.Context, int) {}
func (nopCompletion) HasCourier(int) bool                  { return true }

// TripView is a read-only description of a running trip.
type TripView struct {
	TripID        string        `json:"tripId"`
	RiderIndex    int           `json:"riderIndex"`
	Phase         string        `json:"phase"`
	Position      types.Point   `json:"position"`
	TransportMode tracking.Mode `json:"transportMode"`
	PendingOrders []types.ID    `json:"pendingOrders"`
	StartedAt     time.Time     `json:"startedAt"`
}
