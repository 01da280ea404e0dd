// README: Tracking wire model: position events, batch plans and rider-pool snapshots.
package tracking

import (
	"time"

	"github.com/google/uuid"

	"parcelnet/internal/types"
)

type Status string

const (
	StatusShipping  Status = "shipping"
	StatusDelivered Status = "delivered"
	StatusReturning Status = "returning"
	StatusRiderIdle Status = "rider_idle"
	StatusCancelled Status = "cancelled"
)

// Mode is the simulated conveyance of a leg.
type Mode string

const (
	ModeAir      Mode = "air"
	ModeTrunk    Mode = "trunk"
	ModeDelivery Mode = "delivery"
)

// Event is one position or status update pushed to observers.
type Event struct {
	OrderID       types.ID  `json:"orderId"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Status        Status    `json:"status"`
	StatusText    string    `json:"statusText"`
	TransportMode Mode      `json:"transportMode,omitempty"`
	Zoom          int       `json:"zoom"`
	Speed         int       `json:"speed"`
	ResetView     bool      `json:"resetView"`
	RiderIndex    *int      `json:"riderIndex,omitempty"`
	TripID        string    `json:"tripId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e Event) Position() types.Point {
	return types.Point{Lat: e.Lat, Lng: e.Lng}
}

type PointType string

const (
	PointStation PointType = "station"
	PointUrgent  PointType = "urgent"
	PointNormal  PointType = "normal"
)

type PlanPoint struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Type       PointType `json:"type"`
	Sequence   int       `json:"sequence"`
	RiderIndex int       `json:"riderIndex"`
	OrderID    types.ID  `json:"orderId,omitempty"`
}

// BatchPlan holds one ordered point list per courier of a dispatch.
type BatchPlan struct {
	Routes [][]PlanPoint `json:"routes"`
}

type RiderSnapshot struct {
	ID             int        `json:"id"`
	Status         string     `json:"status"`
	ActiveOrderIDs []types.ID `json:"activeOrderIds"`
}

type PoolSnapshot struct {
	MaxRiders         int             `json:"maxRiders"`
	PerRiderMaxOrders int             `json:"perRiderMaxOrders"`
	Riders            []RiderSnapshot `json:"riders"`
	QueueLength       int             `json:"queueLength"`
}

const (
	TypePosition = "position"
	TypePlan     = "plan"
	TypePool     = "pool"
)

// Envelope is the unit every sink receives. Payload is one of Event,
// BatchPlan or PoolSnapshot, matching Type.
type Envelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

func NewPositionEnvelope(e Event) Envelope {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return Envelope{ID: uuid.NewString(), Type: TypePosition, Payload: e, SentAt: e.Timestamp}
}

func NewPlanEnvelope(p BatchPlan) Envelope {
	return Envelope{ID: uuid.NewString(), Type: TypePlan, Payload: p, SentAt: time.Now().UTC()}
}

func NewPoolEnvelope(p PoolSnapshot) Envelope {
	return Envelope{ID: uuid.NewString(), Type: TypePool, Payload: p, SentAt: time.Now().UTC()}
}

// OrderID returns the order a position envelope refers to, or "" for other types.
func (e Envelope) OrderID() types.ID {
	if ev, ok := e.Payload.(Event); ok {
		return ev.OrderID
	}
	return ""
}

// Droppable reports whether losing the envelope only costs visual smoothness.
// Intermediate position updates are droppable; status transitions are not.
func (e Envelope) Droppable() bool {
	ev, ok := e.Payload.(Event)
	if !ok {
		return false
	}
	return ev.Status == StatusShipping || ev.Status == StatusReturning
}
