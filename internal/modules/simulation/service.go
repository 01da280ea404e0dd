// README: Movement simulator service; owns the per-courier trip arena and tick loops.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"parcelnet/internal/metrics"
	"parcelnet/internal/modules/sequencing"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type slot struct {
	trip   *trip
	gen    uint64
	cancel context.CancelFunc

	// set while the trip is still being planned
	planned   []types.ID
	cancelReq []types.ID
}

func (sl *slot) plans(orderID types.ID) bool {
	return slices.Contains(sl.planned, orderID)
}

type Service struct {
	cfg       Config
	planner   *legPlanner
	orders    OrderBook
	publisher tracking.Publisher
	log       *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	arena      []*slot
	gen        uint64
	completion CompletionHandler
	closed     bool

	root  context.Context
	stop  context.CancelFunc
	trips sync.WaitGroup
}

func NewService(cfg Config, topo *topology.Topology, provider PolylineProvider, orders OrderBook, publisher tracking.Publisher, log *slog.Logger) *Service {
	if publisher == nil {
		publisher = tracking.Nop
	}
	root, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		planner:    &legPlanner{cfg: cfg, topo: topo, provider: provider, log: log},
		orders:     orders,
		publisher:  publisher,
		log:        log,
		now:        time.Now,
		completion: nopCompletion{},
		root:       root,
		stop:       stop,
	}
}

// SetCompletionHandler wires the scheduler that owns the couriers.
func (s *Service) SetCompletionHandler(h CompletionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completion = h
}

func (s *Service) handler() CompletionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completion
}

// StartTrip plans the legs for stops (already in visiting order) and starts
// moving courier riderIndex from origin. ctx only bounds planning; the trip
// itself runs until it completes or the service is closed.
func (s *Service) StartTrip(ctx context.Context, riderIndex int, stops []sequencing.Stop, origin topology.Facility) (string, error) {
	if len(stops) == 0 {
		return "", ErrEmptyTrip
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	prev := s.slotLocked(riderIndex)
	if prev != nil && prev.cancel != nil {
		// supersede: the old loop exits on its next select without side effects
		prev.cancel()
		s.log.Warn("trip superseded", "rider", riderIndex, "trip_id", prev.trip.id)
	}
	// reserve the slot while planning
	s.gen++
	sl := &slot{gen: s.gen, planned: make([]types.ID, len(stops))}
	for i, st := range stops {
		sl.planned[i] = st.OrderID
	}
	if prev != nil && prev.trip == nil {
		// cancels recorded while the replaced trip was planning still apply
		for _, id := range prev.cancelReq {
			if sl.plans(id) {
				sl.cancelReq = append(sl.cancelReq, id)
			}
		}
	}
	s.setSlotLocked(riderIndex, sl)
	s.mu.Unlock()

	legs := s.planner.plan(origin, stops)
	s.planner.resolve(ctx, legs)

	tr := newTrip(uuid.NewString(), riderIndex, origin, legs, s.cfg, s.now())
	tctx, cancel := context.WithCancel(s.root)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if s.slotLocked(riderIndex) != sl {
		// a newer StartTrip for this rider won the slot while we planned
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: rider %d", ErrSuperseded, riderIndex)
	}
	sl.trip = tr
	sl.cancel = cancel
	for _, id := range sl.cancelReq {
		tr.requestCancel(id)
	}
	sl.planned, sl.cancelReq = nil, nil
	s.trips.Add(1)
	s.mu.Unlock()

	metrics.ActiveTrips.Inc()
	s.log.Info("trip started", "trip_id", tr.id, "rider", riderIndex, "stops", len(stops), "legs", len(legs))
	go s.run(tctx, tr, sl)
	return tr.id, nil
}

func (s *Service) slotLocked(idx int) *slot {
	if idx < 0 || idx >= len(s.arena) {
		return nil
	}
	return s.arena[idx]
}

func (s *Service) setSlotLocked(idx int, sl *slot) {
	for len(s.arena) <= idx {
		s.arena = append(s.arena, nil)
	}
	s.arena[idx] = sl
}

// release frees the rider's slot if it still belongs to sl.
func (s *Service) release(idx int, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.slotLocked(idx); cur != nil && cur.gen == sl.gen {
		s.arena[idx] = nil
	}
}

func (s *Service) run(ctx context.Context, tr *trip, sl *slot) {
	defer s.trips.Done()
	defer metrics.ActiveTrips.Dec()
	defer sl.cancel()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.release(tr.rider, sl)
			return
		case <-ticker.C:
		}

		h := s.handler()
		if !h.HasCourier(tr.rider) {
			s.log.Warn("courier left the pool mid-trip, finishing trip", "trip_id", tr.id, "rider", tr.rider)
			s.fastForward(ctx, tr)
			s.release(tr.rider, sl)
			return
		}

		res := tr.advance(s.now())
		if tr.lastMode != "" {
			metrics.SimulationTicksTotal.WithLabelValues(string(tr.lastMode)).Inc()
		}
		s.emit(ctx, res.events)
		s.markDelivered(ctx, tr.rider, res.delivered)
		for _, id := range res.cancelled {
			s.log.Info("order dropped from trip", "order_id", id, "trip_id", tr.id)
		}
		if res.returning {
			h.OnReturning(ctx, tr.rider)
		}
		if res.done {
			s.release(tr.rider, sl)
			s.log.Info("trip completed", "trip_id", tr.id, "rider", tr.rider)
			h.OnTripCompleted(ctx, tr.rider)
			return
		}
	}
}

// fastForward runs the trip to its terminal state at once. Only status
// transitions are published; no scheduler callbacks fire since the courier is gone.
func (s *Service) fastForward(ctx context.Context, tr *trip) {
	for {
		res := tr.advance(s.now())
		var transitions []tracking.Event
		for _, e := range res.events {
			if e.Status != tracking.StatusShipping && e.Status != tracking.StatusReturning {
				transitions = append(transitions, e)
			}
		}
		s.emit(ctx, transitions)
		s.markDelivered(ctx, tr.rider, res.delivered)
		if res.done {
			return
		}
	}
}

func (s *Service) markDelivered(ctx context.Context, rider int, ids []types.ID) {
	if s.orders == nil {
		return
	}
	for _, id := range ids {
		if err := s.orders.MarkDelivered(ctx, id, rider); err != nil {
			s.log.Error("mark delivered failed", "order_id", id, "rider", rider, "err", err)
		}
	}
}

func (s *Service) emit(ctx context.Context, events []tracking.Event) {
	for _, e := range events {
		if err := s.publisher.Publish(ctx, tracking.NewPositionEnvelope(e)); err != nil {
			s.log.Warn("publish event failed", "order_id", e.OrderID, "status", e.Status, "err", err)
		}
	}
}

// CancelOrder asks the trip carrying orderID to drop it at its next tick.
// A trip still being planned records the request and applies it before its
// first tick. It reports whether a trip had the order pending.
func (s *Service) CancelOrder(orderID types.ID) bool {
	s.mu.Lock()
	var trips []*trip
	for _, sl := range s.arena {
		switch {
		case sl == nil:
		case sl.trip != nil:
			trips = append(trips, sl.trip)
		case sl.plans(orderID):
			if !slices.Contains(sl.cancelReq, orderID) {
				sl.cancelReq = append(sl.cancelReq, orderID)
			}
			s.mu.Unlock()
			return true
		}
	}
	s.mu.Unlock()

	for _, tr := range trips {
		if tr.hasOrder(orderID) {
			return tr.requestCancel(orderID)
		}
	}
	return false
}

func (s *Service) running() []*trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*trip
	for _, sl := range s.arena {
		if sl != nil && sl.trip != nil {
			out = append(out, sl.trip)
		}
	}
	return out
}

// Trips lists running trips ordered by rider index.
func (s *Service) Trips() []TripView {
	var out []TripView
	for _, tr := range s.running() {
		out = append(out, tr.snapshot())
	}
	return out
}

// Close stops every trip and waits for the loops to exit.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.trips.Wait()
}
