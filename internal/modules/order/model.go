// README: Order aggregate, status flow and timeline entries.
package order

import (
	"time"

	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusShipping  Status = "shipping"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusException Status = "exception"
)

type Order struct {
	ID               types.ID              `json:"id"`
	CustomerID       types.ID              `json:"customerId"`
	Status           Status                `json:"status"`
	StatusVersion    int                   `json:"statusVersion"`
	OriginFacilityID types.ID              `json:"originFacilityId,omitempty"`
	DestFacilityID   types.ID              `json:"destFacilityId,omitempty"`
	Destination      types.Point           `json:"destination"`
	Address          string                `json:"address,omitempty"`
	StartCity        string                `json:"startCity,omitempty"`
	EndCity          string                `json:"endCity,omitempty"`
	ServiceLevel     topology.ServiceLevel `json:"serviceLevel"`
	UrgencyScore     int                   `json:"urgencyScore"`
	Expedite         bool                  `json:"expedite"`
	RiderIndex       *int                  `json:"riderIndex,omitempty"`
	EstimatedFee     types.Money           `json:"estimatedFee"`
	CreatedAt        time.Time             `json:"createdAt"`
	ShippedAt        *time.Time            `json:"shippedAt,omitempty"`
	DeliveredAt      *time.Time            `json:"deliveredAt,omitempty"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
	CancelledAt      *time.Time            `json:"cancelledAt,omitempty"`
	CancelReason     *string               `json:"cancelReason,omitempty"`
}

// TimelineEntry is one status change shown on the order's tracking page.
type TimelineEntry struct {
	ID          int64        `json:"id"`
	OrderID     types.ID     `json:"orderId"`
	FromStatus  Status       `json:"fromStatus"`
	ToStatus    Status       `json:"toStatus"`
	Description string       `json:"description"`
	Position    *types.Point `json:"position,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusShipping, StatusCancelled},
	StatusShipping:  {StatusDelivered, StatusCancelled, StatusException},
	StatusException: {StatusShipping, StatusCancelled},
	StatusDelivered: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type ListFilter struct {
	Status     Status
	CustomerID types.ID
	Limit      int
	Offset     int
}

// StatusUpdate is an optimistic transition: it applies only while the row is
// still at From/Version.
type StatusUpdate struct {
	ID         types.ID
	From       Status
	To         Status
	Version    int
	RiderIndex *int
	Reason     *string
	At         time.Time
}
