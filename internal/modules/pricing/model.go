// README: Shipping rate definition for each service level.
package pricing

import (
	"errors"

	"parcelnet/internal/modules/topology"
)

var ErrRateNotFound = errors.New("rate not found")

type Rate struct {
	ServiceLevel topology.ServiceLevel `json:"serviceLevel"`
	BaseFare     int64                 `json:"baseFare"`
	PerKm        int64                 `json:"perKm"`
	Currency     string                `json:"currency"`
}

// DefaultRates apply when the rate table has no row for a service level.
var DefaultRates = map[topology.ServiceLevel]Rate{
	topology.ServiceStandard: {ServiceLevel: topology.ServiceStandard, BaseFare: 60, PerKm: 2, Currency: "TWD"},
	topology.ServiceExpress:  {ServiceLevel: topology.ServiceExpress, BaseFare: 120, PerKm: 4, Currency: "TWD"},
}

type QuoteRequest struct {
	DistanceKm   float64
	ServiceLevel topology.ServiceLevel
	Expedite     bool
}

type Quote struct {
	TotalAmount int64            `json:"totalAmount"`
	Currency    string           `json:"currency"`
	Breakdown   map[string]int64 `json:"breakdown"`
}
