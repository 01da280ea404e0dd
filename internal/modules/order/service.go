// README: Order service implements creation, state transitions and the delivery timeline.
package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parcelnet/internal/geo"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order state conflict")
	ErrBadRequest   = errors.New("bad request")
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	List(ctx context.Context, f ListFilter) ([]*Order, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	AppendTimeline(ctx context.Context, e *TimelineEntry) error
	Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error)
}

type Pricing interface {
	Estimate(ctx context.Context, distanceKm float64, level topology.ServiceLevel) (types.Money, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Service struct {
	repo     Repository
	pricing  Pricing
	topo     *topology.Topology
	geocoder Geocoder
	log      *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, pricing Pricing, topo *topology.Topology, geocoder Geocoder, log *slog.Logger) *Service {
	return &Service{repo: repo, pricing: pricing, topo: topo, geocoder: geocoder, log: log, now: time.Now}
}

type CreateCommand struct {
	CustomerID       types.ID
	OriginFacilityID types.ID
	DestFacilityID   types.ID
	Destination      types.Point
	Address          string
	ServiceLevel     topology.ServiceLevel
	UrgencyScore     int
	Expedite         bool
}

type CancelCommand struct {
	OrderID types.ID
	Reason  string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrBadRequest)
	}
	if cmd.ServiceLevel == "" {
		cmd.ServiceLevel = topology.ServiceStandard
	}
	if cmd.ServiceLevel != topology.ServiceStandard && cmd.ServiceLevel != topology.ServiceExpress {
		return nil, fmt.Errorf("%w: service level %q", ErrBadRequest, cmd.ServiceLevel)
	}
	if cmd.UrgencyScore < 0 || cmd.UrgencyScore > 100 {
		return nil, fmt.Errorf("%w: urgency score must be within 0..100", ErrBadRequest)
	}

	var origin, dest *topology.Facility
	if cmd.OriginFacilityID != "" {
		f, err := s.facility(cmd.OriginFacilityID)
		if err != nil {
			return nil, err
		}
		origin = f
	}
	if cmd.DestFacilityID != "" {
		f, err := s.facility(cmd.DestFacilityID)
		if err != nil {
			return nil, err
		}
		dest = f
	}

	destination := cmd.Destination
	if !destination.Valid() {
		switch {
		case dest != nil:
			destination = dest.Position
		case cmd.Address != "" && s.geocoder != nil:
			p, err := s.geocoder.Geocode(ctx, cmd.Address)
			if err != nil {
				// the order is still accepted; dispatch rejects it until it has coordinates
				s.log.Warn("geocode failed", "address", cmd.Address, "err", err)
			} else {
				destination = p
			}
		}
	}

	now := s.now()
	o := &Order{
		ID:               newID(),
		CustomerID:       cmd.CustomerID,
		Status:           StatusPending,
		OriginFacilityID: cmd.OriginFacilityID,
		DestFacilityID:   cmd.DestFacilityID,
		Destination:      destination,
		Address:          cmd.Address,
		ServiceLevel:     cmd.ServiceLevel,
		UrgencyScore:     cmd.UrgencyScore,
		Expedite:         cmd.Expedite,
		EstimatedFee:     types.Money{Amount: 0, Currency: "TWD"},
		CreatedAt:        now,
	}
	if origin != nil {
		o.StartCity = origin.City
	}
	if dest != nil {
		o.EndCity = dest.City
	}
	if s.pricing != nil {
		km := s.shippingDistanceKm(origin, dest, destination, cmd.ServiceLevel)
		if m, err := s.pricing.Estimate(ctx, km, cmd.ServiceLevel); err == nil {
			o.EstimatedFee = m
		} else {
			s.log.Warn("fee estimate failed", "err", err)
		}
	}

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.appendTimeline(ctx, o.ID, StatusNone, StatusPending, "Order created", nil)
	return o, nil
}

func (s *Service) facility(id types.ID) (*topology.Facility, error) {
	if s.topo == nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrBadRequest, topology.ErrUnknownFacility, id)
	}
	f, ok := s.topo.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrBadRequest, topology.ErrUnknownFacility, id)
	}
	return &f, nil
}

// shippingDistanceKm follows the facility route when both ends are known,
// otherwise the straight line from origin to destination.
func (s *Service) shippingDistanceKm(origin, dest *topology.Facility, destination types.Point, level topology.ServiceLevel) float64 {
	if origin == nil {
		return 0
	}
	if dest != nil && s.topo != nil {
		if route, err := s.topo.Route(origin.ID, dest.ID, level); err == nil {
			pts := make([]types.Point, 0, len(route)+1)
			for _, f := range route {
				pts = append(pts, f.Position)
			}
			if destination.Valid() {
				pts = append(pts, destination)
			}
			return geo.PathLengthKm(pts)
		}
	}
	if !destination.Valid() {
		return 0
	}
	return geo.HaversineKm(origin.Position, destination)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) Timeline(ctx context.Context, id types.ID) ([]TimelineEntry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Timeline(ctx, id)
}

// transition applies one optimistic status change and records it on the timeline.
func (s *Service) transition(ctx context.Context, id types.ID, to Status, rider *int, reason *string, describe func(*Order) string, pos func(*Order) *types.Point) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, o.Status, to)
	}
	ok, err := s.repo.UpdateStatus(ctx, StatusUpdate{
		ID:         o.ID,
		From:       o.Status,
		To:         to,
		Version:    o.StatusVersion,
		RiderIndex: rider,
		Reason:     reason,
		At:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	var p *types.Point
	if pos != nil {
		p = pos(o)
	}
	s.appendTimeline(ctx, o.ID, o.Status, to, describe(o), p)
	return o, nil
}

func (s *Service) appendTimeline(ctx context.Context, id types.ID, from, to Status, desc string, pos *types.Point) {
	err := s.repo.AppendTimeline(ctx, &TimelineEntry{
		OrderID:     id,
		FromStatus:  from,
		ToStatus:    to,
		Description: desc,
		Position:    pos,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.log.Warn("append timeline failed", "order_id", id, "to", to, "err", err)
	}
}

func destinationOf(o *Order) *types.Point {
	if !o.Destination.Valid() {
		return nil
	}
	p := o.Destination
	return &p
}

// MarkShipping hands a pending (or previously failed) order to a rider.
func (s *Service) MarkShipping(ctx context.Context, id types.ID, riderIndex int) error {
	_, err := s.transition(ctx, id, StatusShipping, &riderIndex, nil, func(*Order) string {
		return fmt.Sprintf("Picked up by rider %d", riderIndex)
	}, nil)
	return err
}

func (s *Service) MarkDelivered(ctx context.Context, id types.ID, riderIndex int) error {
	_, err := s.transition(ctx, id, StatusDelivered, &riderIndex, nil, func(o *Order) string {
		if o.Address != "" {
			return "Delivered to " + o.Address
		}
		return "Delivered"
	}, destinationOf)
	return err
}

func (s *Service) MarkException(ctx context.Context, id types.ID, reason string) error {
	_, err := s.transition(ctx, id, StatusException, nil, nil, func(*Order) string {
		return "Delivery exception: " + reason
	}, nil)
	return err
}

// Cancel returns the status the order had before it was cancelled.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (Status, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}
	prev, err := s.transition(ctx, cmd.OrderID, StatusCancelled, nil, &reason, func(*Order) string {
		return "Cancelled: " + reason
	}, nil)
	if err != nil {
		return StatusNone, err
	}
	return prev.Status, nil
}

func (s *Service) Complete(ctx context.Context, id types.ID) error {
	_, err := s.transition(ctx, id, StatusCompleted, nil, nil, func(*Order) string {
		return "Receipt confirmed"
	}, nil)
	return err
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
