// README: Delivery stop definition shared by the sequencer and the dispatcher.
package sequencing

import (
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

// UrgentScoreThreshold is the urgency score at or above which a stop is visited first.
const UrgentScoreThreshold = 80

type Stop struct {
	OrderID      types.ID    `json:"order_id"`
	Position     types.Point `json:"position"`
	FacilityID   types.ID    `json:"facility_id,omitempty"`
	UrgencyScore int         `json:"urgency_score"`
	IsUrgent     bool        `json:"is_urgent"`

	ServiceLevel topology.ServiceLevel `json:"service_level,omitempty"`
}

func (s Stop) Urgent() bool {
	return s.IsUrgent || s.UrgencyScore >= UrgentScoreThreshold
}
