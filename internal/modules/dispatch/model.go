// README: Rider pool state, overflow queue entries and dispatch results.
package dispatch

import (
	"context"
	"errors"
	"time"

	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/sequencing"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

type CourierStatus string

const (
	CourierIdle      CourierStatus = "idle"
	CourierBusy      CourierStatus = "busy"
	CourierReturning CourierStatus = "returning"
	// CourierOffline is never entered by normal flow.
	CourierOffline CourierStatus = "offline"
)

type Courier struct {
	Index          int           `json:"id"`
	Status         CourierStatus `json:"status"`
	ActiveOrderIDs []types.ID    `json:"activeOrderIds"`
	Capacity       int           `json:"capacity"`
	TripID         string        `json:"tripId,omitempty"`
}

// QueueEntry is an order waiting for an idle courier.
type QueueEntry struct {
	Stop       sequencing.Stop `json:"stop"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Rejection struct {
	OrderID types.ID `json:"orderId"`
	Reason  string   `json:"reason"`
}

// Assignment is the sequenced batch handed to one courier.
type Assignment struct {
	RiderIndex int               `json:"riderIndex"`
	Stops      []sequencing.Stop `json:"stops"`
	TripID     string            `json:"tripId,omitempty"`
}

type Result struct {
	Dispatched  int          `json:"dispatched"`
	Queued      int          `json:"queued"`
	Rejected    int          `json:"rejected"`
	Rejections  []Rejection  `json:"rejections"`
	Assignments []Assignment `json:"assignments"`
}

type PoolState struct {
	MaxCouriers        int          `json:"maxRiders"`
	PerCourierCapacity int          `json:"perRiderMaxOrders"`
	Couriers           []Courier    `json:"riders"`
	Queue              []QueueEntry `json:"queue"`
	QueueLength        int          `json:"queueLength"`
}

// Pool limits accepted by Reconfigure.
const (
	MaxPoolSize        = 100
	MaxCourierCapacity = 50
)

var (
	ErrNoEligibleOrders  = errors.New("no eligible orders")
	ErrPoolBusy          = errors.New("pool busy: couriers to remove are not idle")
	ErrInvalidPoolConfig = errors.New("invalid pool configuration")
	ErrUnknownCourier    = errors.New("unknown courier")
)

// OrderBook is the subset of the order service the scheduler drives.
type OrderBook interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	MarkShipping(ctx context.Context, id types.ID, riderIndex int) error
	MarkException(ctx context.Context, id types.ID, reason string) error
}

// TripRunner moves couriers along their batches.
type TripRunner interface {
	StartTrip(ctx context.Context, riderIndex int, stops []sequencing.Stop, origin topology.Facility) (string, error)
	CancelOrder(orderID types.ID) bool
}

// SnapshotStore mirrors the pool so other processes can observe it.
type SnapshotStore interface {
	SavePool(ctx context.Context, st PoolState) error
}
