package pricing

import (
	"context"
	"errors"
	"testing"

	"parcelnet/internal/modules/topology"
)

type stubRates struct {
	rates map[topology.ServiceLevel]Rate
	err   error
}

func (s stubRates) GetRate(_ context.Context, level topology.ServiceLevel) (Rate, error) {
	if s.err != nil {
		return Rate{}, s.err
	}
	r, ok := s.rates[level]
	if !ok {
		return Rate{}, ErrRateNotFound
	}
	return r, nil
}

func TestService_Quote(t *testing.T) {
	s := NewService(stubRates{rates: map[topology.ServiceLevel]Rate{
		topology.ServiceExpress: {ServiceLevel: topology.ServiceExpress, BaseFare: 100, PerKm: 10, Currency: "HKD"},
	}})

	tests := []struct {
		name     string
		req      QuoteRequest
		wantFare int64
		wantCur  string
	}{
		{"base fare only", QuoteRequest{DistanceKm: 0}, 60, "TWD"},
		{"started kilometre is charged", QuoteRequest{DistanceKm: 1.2}, 60 + 2*2, "TWD"},
		{"stored express rate", QuoteRequest{DistanceKm: 3, ServiceLevel: topology.ServiceExpress}, 100 + 30, "HKD"},
		{"expedite surcharge", QuoteRequest{DistanceKm: 3, Expedite: true}, 60 + 6 + ExpediteSurcharge, "TWD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Quote(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Quote() error = %v", err)
			}
			if got.TotalAmount != tt.wantFare || got.Currency != tt.wantCur {
				t.Errorf("Quote() = %d %s, want %d %s", got.TotalAmount, got.Currency, tt.wantFare, tt.wantCur)
			}
		})
	}
}

func TestService_EstimateErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewService(nil).Estimate(ctx, -1, topology.ServiceStandard); err == nil {
		t.Fatalf("expected negative distance to fail")
	}
	if _, err := NewService(nil).Estimate(ctx, 1, "overnight"); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
	boom := errors.New("db down")
	if _, err := NewService(stubRates{err: boom}).Estimate(ctx, 1, topology.ServiceStandard); !errors.Is(err, boom) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
	m, err := NewService(nil).Estimate(ctx, 10, topology.ServiceExpress)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if m.Amount != 160 || m.Currency != "TWD" {
		t.Fatalf("unexpected default express estimate %+v", m)
	}
}
