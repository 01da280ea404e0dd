// README: Rider pool scheduler: batch dispatch, capacity enforcement, overflow queue and pool reconfiguration.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"parcelnet/internal/metrics"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/sequencing"
	"parcelnet/internal/modules/simulation"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type Config struct {
	MaxCouriers        int
	PerCourierCapacity int
	SchedulerTick      time.Duration
}

// maxParallelStarts bounds concurrent trip planning (each may call the polyline provider).
const maxParallelStarts = 4

// Service owns the rider pool and the overflow queue. Every mutation happens
// under mu; order lookups, trip starts and event publishing happen outside it.
type Service struct {
	orders    OrderBook
	trips     TripRunner
	origin    topology.Facility
	publisher tracking.Publisher
	store     SnapshotStore
	log       *slog.Logger
	tick      time.Duration
	now       func() time.Time

	mu          sync.Mutex
	maxCouriers int
	capacity    int
	couriers    []Courier
	queue       []QueueEntry

	// pool size for tick-loop checks that must not wait on mu
	size atomic.Int64
}

// start is a batch that was assigned under the lock and still needs its trip.
type start struct {
	rider int
	stops []sequencing.Stop
}

func validPool(maxCouriers, capacity int) bool {
	return maxCouriers >= 1 && maxCouriers <= MaxPoolSize && capacity >= 1 && capacity <= MaxCourierCapacity
}

func NewService(cfg Config, origin topology.Facility, orders OrderBook, trips TripRunner, publisher tracking.Publisher, store SnapshotStore, log *slog.Logger) (*Service, error) {
	if !validPool(cfg.MaxCouriers, cfg.PerCourierCapacity) {
		return nil, fmt.Errorf("%w: max riders %d, per rider %d", ErrInvalidPoolConfig, cfg.MaxCouriers, cfg.PerCourierCapacity)
	}
	if publisher == nil {
		publisher = tracking.Nop
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = 5 * time.Second
	}
	s := &Service{
		orders:      orders,
		trips:       trips,
		origin:      origin,
		publisher:   publisher,
		store:       store,
		log:         log,
		tick:        cfg.SchedulerTick,
		now:         time.Now,
		maxCouriers: cfg.MaxCouriers,
		capacity:    cfg.PerCourierCapacity,
	}
	s.couriers = make([]Courier, cfg.MaxCouriers)
	for i := range s.couriers {
		s.couriers[i] = Courier{Index: i, Status: CourierIdle, Capacity: cfg.PerCourierCapacity}
	}
	s.size.Store(int64(cfg.MaxCouriers))
	return s, nil
}

func stopFor(o *order.Order) sequencing.Stop {
	return sequencing.Stop{
		OrderID:      o.ID,
		Position:     o.Destination,
		FacilityID:   o.DestFacilityID,
		UrgencyScore: o.UrgencyScore,
		IsUrgent:     o.Expedite,
		ServiceLevel: o.ServiceLevel,
	}
}

// DispatchBatch splits the eligible orders over the idle couriers. Each
// courier takes at most PerCourierCapacity stops of its sequenced group; the
// rest joins the overflow queue. Invalid orders are reported, not fatal.
func (s *Service) DispatchBatch(ctx context.Context, ids []types.ID) (Result, error) {
	res := Result{Rejections: []Rejection{}, Assignments: []Assignment{}}

	found := s.lookup(ctx, ids)

	s.mu.Lock()
	stops, rejections := s.eligibleLocked(found)
	res.Rejections = append(res.Rejections, rejections...)
	if len(stops) == 0 {
		s.mu.Unlock()
		res.Rejected = len(res.Rejections)
		metrics.DispatchOrdersTotal.WithLabelValues("rejected").Add(float64(res.Rejected))
		return res, ErrNoEligibleOrders
	}

	// older queued orders go first
	starts := s.drainLocked(ctx)

	idle := s.idleLocked()
	groups := sequencing.Partition(s.origin.Position, stops, len(idle))
	for g, group := range groups {
		// sequence before capping so urgent stops ride now and the queue gets the tail
		ordered := sequencing.Sequence(s.origin.Position, group)
		n := min(s.capacity, len(ordered))
		head, tail := ordered[:n], ordered[n:]

		rider := idle[g]
		shipped, failed := s.shipLocked(ctx, rider, head)
		res.Rejections = append(res.Rejections, failed...)
		s.enqueueLocked(tail)
		res.Queued += len(tail)
		if len(shipped) == 0 {
			continue
		}
		s.assignLocked(rider, shipped)
		starts = append(starts, start{rider: rider, stops: shipped})
		res.Dispatched += len(shipped)
	}
	if len(groups) == 0 {
		// every courier is out; the whole batch waits
		s.enqueueLocked(stops)
		res.Queued += len(stops)
	}
	s.mu.Unlock()

	res.Rejected = len(res.Rejections)
	metrics.DispatchBatchesTotal.Inc()
	metrics.DispatchOrdersTotal.WithLabelValues("dispatched").Add(float64(res.Dispatched))
	metrics.DispatchOrdersTotal.WithLabelValues("queued").Add(float64(res.Queued))
	metrics.DispatchOrdersTotal.WithLabelValues("rejected").Add(float64(res.Rejected))

	res.Assignments = s.startTrips(ctx, starts)
	s.publishPlan(ctx, res.Assignments)
	s.publishPool(ctx)
	s.log.Info("batch dispatched", "orders", len(ids), "dispatched", res.Dispatched, "queued", res.Queued, "rejected", res.Rejected)
	return res, nil
}

// ShipOrder dispatches a single order as a one-order batch.
func (s *Service) ShipOrder(ctx context.Context, id types.ID) (Result, error) {
	return s.DispatchBatch(ctx, []types.ID{id})
}

type lookupResult struct {
	id    types.ID
	order *order.Order
	err   error
}

// lookup reads the requested orders, deduplicated, without holding mu.
func (s *Service) lookup(ctx context.Context, ids []types.ID) []lookupResult {
	out := make([]lookupResult, 0, len(ids))
	seen := make(map[types.ID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		o, err := s.orders.Get(ctx, id)
		out = append(out, lookupResult{id: id, order: o, err: err})
	}
	return out
}

// eligibleLocked filters looked-up orders against the pool. A status read
// here can be stale; MarkShipping rejects the order if it moved on since.
func (s *Service) eligibleLocked(found []lookupResult) ([]sequencing.Stop, []Rejection) {
	var stops []sequencing.Stop
	var rejections []Rejection
	for _, f := range found {
		if s.trackedLocked(f.id) {
			rejections = append(rejections, Rejection{OrderID: f.id, Reason: "already dispatched"})
			continue
		}
		if f.err != nil {
			rejections = append(rejections, Rejection{OrderID: f.id, Reason: f.err.Error()})
			continue
		}
		if f.order.Status != order.StatusPending {
			rejections = append(rejections, Rejection{OrderID: f.id, Reason: "order is " + string(f.order.Status)})
			continue
		}
		if !f.order.Destination.Valid() {
			rejections = append(rejections, Rejection{OrderID: f.id, Reason: "missing destination coordinates"})
			continue
		}
		stops = append(stops, stopFor(f.order))
	}
	return stops, rejections
}

func (s *Service) trackedLocked(id types.ID) bool {
	for _, e := range s.queue {
		if e.Stop.OrderID == id {
			return true
		}
	}
	for _, c := range s.couriers {
		for _, a := range c.ActiveOrderIDs {
			if a == id {
				return true
			}
		}
	}
	return false
}

func (s *Service) idleLocked() []int {
	var out []int
	for _, c := range s.couriers {
		if c.Status == CourierIdle {
			out = append(out, c.Index)
		}
	}
	return out
}

// shipLocked moves the orders to shipping; the ones that fail are reported.
func (s *Service) shipLocked(ctx context.Context, rider int, stops []sequencing.Stop) ([]sequencing.Stop, []Rejection) {
	shipped := make([]sequencing.Stop, 0, len(stops))
	var failed []Rejection
	for _, st := range stops {
		if err := s.orders.MarkShipping(ctx, st.OrderID, rider); err != nil {
			s.log.Warn("mark shipping failed", "order_id", st.OrderID, "rider", rider, "err", err)
			failed = append(failed, Rejection{OrderID: st.OrderID, Reason: err.Error()})
			continue
		}
		shipped = append(shipped, st)
	}
	return shipped, failed
}

func (s *Service) assignLocked(rider int, stops []sequencing.Stop) {
	c := &s.couriers[rider]
	c.Status = CourierBusy
	c.TripID = ""
	c.ActiveOrderIDs = make([]types.ID, len(stops))
	for i, st := range stops {
		c.ActiveOrderIDs[i] = st.OrderID
	}
}

func (s *Service) enqueueLocked(stops []sequencing.Stop) {
	now := s.now()
	for _, st := range stops {
		s.queue = append(s.queue, QueueEntry{Stop: st, EnqueuedAt: now})
	}
}

// drainLocked hands queued orders, oldest first, to idle couriers in index order.
func (s *Service) drainLocked(ctx context.Context) []start {
	var starts []start
	for i := range s.couriers {
		if len(s.queue) == 0 {
			break
		}
		if s.couriers[i].Status != CourierIdle {
			continue
		}
		if st, ok := s.drainOneLocked(ctx, i); ok {
			starts = append(starts, st)
		}
	}
	return starts
}

func (s *Service) drainOneLocked(ctx context.Context, rider int) (start, bool) {
	var batch []sequencing.Stop
	for len(batch) < s.capacity && len(s.queue) > 0 {
		e := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.orders.MarkShipping(ctx, e.Stop.OrderID, rider); err != nil {
			s.log.Warn("queued order no longer shippable", "order_id", e.Stop.OrderID, "err", err)
			continue
		}
		batch = append(batch, e.Stop)
	}
	if len(batch) == 0 {
		return start{}, false
	}
	batch = sequencing.Sequence(s.origin.Position, batch)
	s.assignLocked(rider, batch)
	return start{rider: rider, stops: batch}, true
}

// startTrips plans the trips in parallel. A courier whose trip cannot start
// goes back to idle and its orders are flagged as exceptions, unless the
// simulator is shutting down.
func (s *Service) startTrips(ctx context.Context, starts []start) []Assignment {
	if len(starts) == 0 {
		return []Assignment{}
	}
	out := make([]Assignment, len(starts))
	var g errgroup.Group
	g.SetLimit(maxParallelStarts)
	for i, st := range starts {
		g.Go(func() error {
			tripID, err := s.trips.StartTrip(ctx, st.rider, st.stops, s.origin)
			out[i] = Assignment{RiderIndex: st.rider, Stops: st.stops, TripID: tripID}
			if err != nil {
				s.abortStart(ctx, st, err)
				return fmt.Errorf("rider %d: %w", st.rider, err)
			}
			s.mu.Lock()
			if st.rider < len(s.couriers) && s.couriers[st.rider].Status == CourierBusy {
				s.couriers[st.rider].TripID = tripID
			}
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("trip start failed", "err", err)
	}
	return out
}

func (s *Service) abortStart(ctx context.Context, st start, cause error) {
	s.mu.Lock()
	if st.rider < len(s.couriers) {
		c := &s.couriers[st.rider]
		c.Status = CourierIdle
		c.ActiveOrderIDs = nil
		c.TripID = ""
	}
	s.mu.Unlock()
	if errors.Is(cause, simulation.ErrClosed) {
		// shutting down: the orders stay shipping for the next process to pick up
		s.log.Warn("simulator closed before trip start", "rider", st.rider, "orders", len(st.stops))
		return
	}
	for _, stop := range st.stops {
		if err := s.orders.MarkException(ctx, stop.OrderID, cause.Error()); err != nil {
			s.log.Warn("mark exception failed", "order_id", stop.OrderID, "err", err)
		}
	}
}

// OnReturning records that the courier has delivered its batch and is heading back.
func (s *Service) OnReturning(ctx context.Context, riderIndex int) {
	s.mu.Lock()
	if riderIndex >= len(s.couriers) || s.couriers[riderIndex].Status != CourierBusy {
		s.mu.Unlock()
		return
	}
	s.couriers[riderIndex].Status = CourierReturning
	s.couriers[riderIndex].ActiveOrderIDs = nil
	s.mu.Unlock()
	s.publishPool(ctx)
}

// OnTripCompleted frees the courier and, in the same step, refills it from the
// overflow queue.
func (s *Service) OnTripCompleted(ctx context.Context, riderIndex int) {
	s.mu.Lock()
	if riderIndex >= len(s.couriers) {
		s.mu.Unlock()
		return
	}
	c := &s.couriers[riderIndex]
	c.Status = CourierIdle
	c.ActiveOrderIDs = nil
	c.TripID = ""
	st, ok := s.drainOneLocked(ctx, riderIndex)
	s.mu.Unlock()

	if ok {
		s.log.Info("courier refilled from queue", "rider", riderIndex, "orders", len(st.stops))
		s.publishPlan(ctx, s.startTrips(ctx, []start{st}))
	}
	s.publishPool(ctx)
}

// HasCourier reports whether riderIndex is still part of the pool.
func (s *Service) HasCourier(riderIndex int) bool {
	return riderIndex >= 0 && int64(riderIndex) < s.size.Load()
}

// Reconfigure resizes the pool. Growing appends idle couriers; shrinking only
// drops trailing couriers and fails with ErrPoolBusy, leaving the pool
// untouched, when any of them is not idle.
func (s *Service) Reconfigure(ctx context.Context, maxCouriers, perCourierCapacity int) (PoolState, error) {
	if !validPool(maxCouriers, perCourierCapacity) {
		return PoolState{}, fmt.Errorf("%w: max riders %d, per rider %d", ErrInvalidPoolConfig, maxCouriers, perCourierCapacity)
	}

	s.mu.Lock()
	if maxCouriers < len(s.couriers) {
		for _, c := range s.couriers[maxCouriers:] {
			if c.Status != CourierIdle {
				s.mu.Unlock()
				return PoolState{}, fmt.Errorf("%w: rider %d is %s", ErrPoolBusy, c.Index, c.Status)
			}
		}
		s.couriers = s.couriers[:maxCouriers]
	}
	for i := len(s.couriers); i < maxCouriers; i++ {
		s.couriers = append(s.couriers, Courier{Index: i, Status: CourierIdle})
	}
	s.maxCouriers = maxCouriers
	s.capacity = perCourierCapacity
	s.size.Store(int64(len(s.couriers)))
	for i := range s.couriers {
		s.couriers[i].Capacity = perCourierCapacity
	}
	starts := s.drainLocked(ctx)
	s.mu.Unlock()

	s.log.Info("pool reconfigured", "max_riders", maxCouriers, "per_rider_max_orders", perCourierCapacity)
	if len(starts) > 0 {
		s.publishPlan(ctx, s.startTrips(ctx, starts))
	}
	s.publishPool(ctx)
	return s.CurrentState(), nil
}

// CancelOrder takes a cancelled order out of the queue, or out of its
// courier's batch so the trip skips its remaining waypoints.
func (s *Service) CancelOrder(ctx context.Context, id types.ID) bool {
	s.mu.Lock()
	for i, e := range s.queue {
		if e.Stop.OrderID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.log.Info("queued order cancelled", "order_id", id)
			s.publishPool(ctx)
			return true
		}
	}
	found := false
	for i := range s.couriers {
		c := &s.couriers[i]
		for j, a := range c.ActiveOrderIDs {
			if a == id {
				c.ActiveOrderIDs = append(c.ActiveOrderIDs[:j:j], c.ActiveOrderIDs[j+1:]...)
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	s.mu.Unlock()

	if s.trips != nil && s.trips.CancelOrder(id) {
		found = true
	}
	if found {
		s.log.Info("in-flight order cancelled", "order_id", id)
		s.publishPool(ctx)
	}
	return found
}

// CurrentState returns a copy of the pool for observers.
func (s *Service) CurrentState() PoolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Service) stateLocked() PoolState {
	st := PoolState{
		MaxCouriers:        s.maxCouriers,
		PerCourierCapacity: s.capacity,
		Couriers:           make([]Courier, len(s.couriers)),
		Queue:              append([]QueueEntry{}, s.queue...),
		QueueLength:        len(s.queue),
	}
	for i, c := range s.couriers {
		c.ActiveOrderIDs = append([]types.ID{}, c.ActiveOrderIDs...)
		st.Couriers[i] = c
	}
	return st
}

// RunScheduler periodically drains the queue onto idle couriers in case a
// completion was missed.
func (s *Service) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			starts := s.drainLocked(ctx)
			s.mu.Unlock()
			if len(starts) == 0 {
				continue
			}
			s.log.Info("scheduler drained queue", "couriers", len(starts))
			s.publishPlan(ctx, s.startTrips(ctx, starts))
			s.publishPool(ctx)
		}
	}
}

func (s *Service) publishPool(ctx context.Context) {
	st := s.CurrentState()

	counts := map[CourierStatus]int{CourierIdle: 0, CourierBusy: 0, CourierReturning: 0, CourierOffline: 0}
	snap := tracking.PoolSnapshot{
		MaxRiders:         st.MaxCouriers,
		PerRiderMaxOrders: st.PerCourierCapacity,
		Riders:            make([]tracking.RiderSnapshot, len(st.Couriers)),
		QueueLength:       st.QueueLength,
	}
	for i, c := range st.Couriers {
		counts[c.Status]++
		snap.Riders[i] = tracking.RiderSnapshot{ID: c.Index, Status: string(c.Status), ActiveOrderIDs: c.ActiveOrderIDs}
	}
	for status, n := range counts {
		metrics.CouriersByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.OverflowQueueLength.Set(float64(st.QueueLength))

	if err := s.publisher.Publish(ctx, tracking.NewPoolEnvelope(snap)); err != nil {
		s.log.Warn("publish pool snapshot failed", "err", err)
	}
	if s.store != nil {
		if err := s.store.SavePool(ctx, st); err != nil {
			s.log.Warn("save pool snapshot failed", "err", err)
		}
	}
}

func (s *Service) publishPlan(ctx context.Context, assignments []Assignment) {
	if len(assignments) == 0 {
		return
	}
	plan := tracking.BatchPlan{Routes: make([][]tracking.PlanPoint, 0, len(assignments))}
	for _, a := range assignments {
		route := []tracking.PlanPoint{{
			Lat:        s.origin.Position.Lat,
			Lng:        s.origin.Position.Lng,
			Type:       tracking.PointStation,
			RiderIndex: a.RiderIndex,
		}}
		for i, st := range a.Stops {
			kind := tracking.PointNormal
			if st.Urgent() {
				kind = tracking.PointUrgent
			}
			route = append(route, tracking.PlanPoint{
				Lat:        st.Position.Lat,
				Lng:        st.Position.Lng,
				Type:       kind,
				Sequence:   i + 1,
				RiderIndex: a.RiderIndex,
				OrderID:    st.OrderID,
			})
		}
		plan.Routes = append(plan.Routes, route)
	}
	if err := s.publisher.Publish(ctx, tracking.NewPlanEnvelope(plan)); err != nil {
		s.log.Warn("publish batch plan failed", "err", err)
	}
}
