// README: Pricing service computes shipping fee estimates.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

// ExpediteSurcharge is added on top of the distance fee for expedited orders.
const ExpediteSurcharge int64 = 50

type RateSource interface {
	GetRate(ctx context.Context, level topology.ServiceLevel) (Rate, error)
}

type Service struct {
	rates RateSource
}

// NewService accepts a nil source, in which case only DefaultRates are used.
func NewService(rates RateSource) *Service {
	return &Service{rates: rates}
}

func (s *Service) rate(ctx context.Context, level topology.ServiceLevel) (Rate, error) {
	if level == "" {
		level = topology.ServiceStandard
	}
	if s.rates != nil {
		r, err := s.rates.GetRate(ctx, level)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrRateNotFound) {
			return Rate{}, err
		}
	}
	r, ok := DefaultRates[level]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrRateNotFound, level)
	}
	return r, nil
}

// Quote charges the base fare plus PerKm for every started kilometre.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.DistanceKm < 0 || math.IsNaN(req.DistanceKm) {
		return Quote{}, fmt.Errorf("invalid distance %v", req.DistanceKm)
	}
	r, err := s.rate(ctx, req.ServiceLevel)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		Currency:  r.Currency,
		Breakdown: map[string]int64{"base": r.BaseFare},
	}
	q.Breakdown["distance"] = int64(math.Ceil(req.DistanceKm)) * r.PerKm
	if req.Expedite {
		q.Breakdown["expedite"] = ExpediteSurcharge
	}
	for _, v := range q.Breakdown {
		q.TotalAmount += v
	}
	return q, nil
}

func (s *Service) Estimate(ctx context.Context, distanceKm float64, level topology.ServiceLevel) (types.Money, error) {
	q, err := s.Quote(ctx, QuoteRequest{DistanceKm: distanceKm, ServiceLevel: level})
	if err != nil {
		return types.Money{}, err
	}
	return types.Money{Amount: q.TotalAmount, Currency: q.Currency}, nil
}
