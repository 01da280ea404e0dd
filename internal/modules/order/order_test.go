// README: Order service tests (flow + invalid requests).
package order

import (
	"context"
	"errors"
	"testing"

	"parcelnet/internal/logging"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusShipping, true},
		{StatusShipping, StatusDelivered, true},
		{StatusDelivered, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusShipping, StatusCancelled, true},
		{StatusShipping, StatusException, true},
		{StatusException, StatusShipping, true},
		{StatusException, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusShipping, false},
		{StatusDelivered, StatusCancelled, false},
		// no skipping ahead
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusCompleted, false},
		{StatusNone, StatusPending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

type fakePricing struct {
	km    float64
	level topology.ServiceLevel
	err   error
}

func (f *fakePricing) Estimate(_ context.Context, km float64, level topology.ServiceLevel) (types.Money, error) {
	f.km, f.level = km, level
	if f.err != nil {
		return types.Money{}, f.err
	}
	return types.Money{Amount: 60 + int64(km), Currency: "TWD"}, nil
}

type fakeGeocoder struct {
	p     types.Point
	err   error
	calls int
}

func (g *fakeGeocoder) Geocode(context.Context, string) (types.Point, error) {
	g.calls++
	return g.p, g.err
}

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()
	fs := []topology.Facility{
		{ID: "HUB-N", Kind: topology.KindHub, City: "Taipei", Position: types.Point{Lat: 25.08, Lng: 121.23}},
		{ID: "CTR-N", Kind: topology.KindCenter, City: "Taipei", Position: types.Point{Lat: 25.04, Lng: 121.50}},
		{ID: "STA-N", Kind: topology.KindStation, City: "Taipei", Position: types.Point{Lat: 25.03, Lng: 121.56}},
		{ID: "HUB-S", Kind: topology.KindHub, City: "Kaohsiung", Position: types.Point{Lat: 22.57, Lng: 120.35}},
		{ID: "STA-S", Kind: topology.KindStation, City: "Kaohsiung", Position: types.Point{Lat: 22.63, Lng: 120.29}},
	}
	topo, err := topology.New(fs, map[types.ID]types.ID{
		"CTR-N": "HUB-N", "STA-N": "CTR-N", "STA-S": "HUB-S",
	})
	if err != nil {
		t.Fatalf("build topology: %v", err)
	}
	return topo
}

func newTestService(t *testing.T) (*Service, *fakePricing, *fakeGeocoder) {
	t.Helper()
	p := &fakePricing{}
	g := &fakeGeocoder{p: types.Point{Lat: 25.02, Lng: 121.54}}
	return NewService(NewMemoryStore(), p, testTopology(t), g, logging.Discard()), p, g
}

func mustCreate(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateCommand{
		CustomerID:  "c1",
		Destination: types.Point{Lat: 25.04, Lng: 121.55},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func assertStatus(t *testing.T, svc *Service, id types.ID, want Status) {
	t.Helper()
	o, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != want {
		t.Fatalf("expected status %s, got %s", want, o.Status)
	}
}

func TestOrderFlowHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	o := mustCreate(t, svc)
	assertStatus(t, svc, o.ID, StatusPending)

	if err := svc.MarkShipping(ctx, o.ID, 1); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := svc.MarkDelivered(ctx, o.ID, 1); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := svc.Complete(ctx, o.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.StatusVersion != 3 {
		t.Fatalf("unexpected order state: %s v%d", got.Status, got.StatusVersion)
	}
	if got.RiderIndex == nil || *got.RiderIndex != 1 {
		t.Fatalf("expected rider index 1, got %v", got.RiderIndex)
	}
	if got.ShippedAt == nil || got.DeliveredAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected transition timestamps to be set")
	}

	tl, err := svc.Timeline(ctx, o.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	want := []Status{StatusPending, StatusShipping, StatusDelivered, StatusCompleted}
	if len(tl) != len(want) {
		t.Fatalf("expected %d timeline entries, got %d", len(want), len(tl))
	}
	for i, s := range want {
		if tl[i].ToStatus != s {
			t.Fatalf("timeline[%d] = %s, want %s", i, tl[i].ToStatus, s)
		}
	}
	if tl[2].Position == nil {
		t.Fatalf("expected delivered entry to carry the destination")
	}
}

func TestOrderCancelReturnsPreviousStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	o := mustCreate(t, svc)
	if err := svc.MarkShipping(ctx, o.ID, 0); err != nil {
		t.Fatalf("ship: %v", err)
	}
	prev, err := svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != StatusShipping {
		t.Fatalf("expected previous status shipping, got %s", prev)
	}
	got, _ := svc.Get(ctx, o.ID)
	if got.CancelReason == nil || *got.CancelReason != "changed my mind" {
		t.Fatalf("expected cancel reason to be stored")
	}
	if _, err := svc.Cancel(ctx, CancelCommand{OrderID: o.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestOrderInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	o := mustCreate(t, svc)

	if err := svc.MarkDelivered(ctx, o.ID, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState delivering a pending order, got %v", err)
	}
	if err := svc.Complete(ctx, o.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState completing a pending order, got %v", err)
	}
	if err := svc.MarkShipping(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	assertStatus(t, svc, o.ID, StatusPending)
}

func TestOrderExceptionCanBeReshipped(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	o := mustCreate(t, svc)
	if err := svc.MarkShipping(ctx, o.ID, 0); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := svc.MarkException(ctx, o.ID, "no trip runner"); err != nil {
		t.Fatalf("exception: %v", err)
	}
	if err := svc.MarkShipping(ctx, o.ID, 1); err != nil {
		t.Fatalf("reship: %v", err)
	}
	assertStatus(t, svc, o.ID, StatusShipping)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	cases := []struct {
		name string
		cmd  CreateCommand
	}{
		{"missing customer", CreateCommand{Destination: types.Point{Lat: 25, Lng: 121}}},
		{"bad service level", CreateCommand{CustomerID: "c", ServiceLevel: "overnight"}},
		{"urgency too high", CreateCommand{CustomerID: "c", UrgencyScore: 101}},
		{"urgency negative", CreateCommand{CustomerID: "c", UrgencyScore: -1}},
		{"unknown origin", CreateCommand{CustomerID: "c", OriginFacilityID: "NOPE"}},
		{"unknown destination facility", CreateCommand{CustomerID: "c", DestFacilityID: "NOPE"}},
	}
	for _, c := range cases {
		if _, err := svc.Create(ctx, c.cmd); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%s: expected ErrBadRequest, got %v", c.name, err)
		}
	}
}

func TestCreateResolvesDestination(t *testing.T) {
	ctx := context.Background()
	svc, pricing, geocoder := newTestService(t)

	byFacility, err := svc.Create(ctx, CreateCommand{
		CustomerID:       "c1",
		OriginFacilityID: "STA-N",
		DestFacilityID:   "STA-S",
		ServiceLevel:     topology.ServiceExpress,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if byFacility.Destination != (types.Point{Lat: 22.63, Lng: 120.29}) {
		t.Fatalf("expected destination facility position, got %+v", byFacility.Destination)
	}
	if byFacility.StartCity != "Taipei" || byFacility.EndCity != "Kaohsiung" {
		t.Fatalf("unexpected cities %q -> %q", byFacility.StartCity, byFacility.EndCity)
	}
	if pricing.level != topology.ServiceExpress || pricing.km < 250 {
		t.Fatalf("expected express pricing over the facility route, got %s %.1f km", pricing.level, pricing.km)
	}
	if byFacility.EstimatedFee.Amount <= 60 {
		t.Fatalf("expected distance-based fee, got %d", byFacility.EstimatedFee.Amount)
	}

	byAddress, err := svc.Create(ctx, CreateCommand{CustomerID: "c1", Address: "No. 1 Daan Rd"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if geocoder.calls != 1 || byAddress.Destination != geocoder.p {
		t.Fatalf("expected geocoded destination, got %+v after %d calls", byAddress.Destination, geocoder.calls)
	}
	if byAddress.ServiceLevel != topology.ServiceStandard {
		t.Fatalf("expected default standard service level, got %s", byAddress.ServiceLevel)
	}
}

func TestCreateToleratesGeocodeAndPricingFailures(t *testing.T) {
	ctx := context.Background()
	svc, pricing, geocoder := newTestService(t)
	geocoder.err = errors.New("quota")
	pricing.err = errors.New("rates offline")

	o, err := svc.Create(ctx, CreateCommand{CustomerID: "c1", OriginFacilityID: "STA-N", Address: "somewhere"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Destination.Valid() {
		t.Fatalf("expected no destination, got %+v", o.Destination)
	}
	if o.EstimatedFee.Amount != 0 {
		t.Fatalf("expected zero fee, got %d", o.EstimatedFee.Amount)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	a := mustCreate(t, svc)
	mustCreate(t, svc)
	if err := svc.MarkShipping(ctx, a.ID, 0); err != nil {
		t.Fatalf("ship: %v", err)
	}

	pending, err := svc.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending order, got %d", len(pending))
	}
	all, _ := svc.List(ctx, ListFilter{CustomerID: "c1", Limit: 1})
	if len(all) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(all))
	}
	if _, err := svc.Timeline(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for timeline, got %v", err)
	}
}
