// README: Simulation scenarios; each builds a fresh in-memory world and checks one behaviour end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parcelnet/internal/logging"
	"parcelnet/internal/modules/dispatch"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/pricing"
	"parcelnet/internal/modules/simulation"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type Runner struct {
	cfg Config
	log *slog.Logger
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type Scenario struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, log: logging.L()}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	scenarios := r.scenarios()
	results := make([]Result, 0, len(scenarios))
	for _, sc := range scenarios {
		start := time.Now()
		res := sc.Run(ctx, r)
		res.Name = sc.Name
		res.Latency = time.Since(start)
		results = append(results, res)
		fmt.Printf("%-5s %s (%s)", res.Status, sc.Name, res.Latency.Round(time.Millisecond))
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func pass(note string, args ...any) Result { return Result{Status: "PASS", Note: fmt.Sprintf(note, args...)} }
func fail(note string, args ...any) Result { return Result{Status: "FAIL", Note: fmt.Sprintf(note, args...)} }

// world is one isolated process: topology, stores, simulator and scheduler.
type world struct {
	topo     *topology.Topology
	orders   *order.Service
	sim      *simulation.Service
	dispatch *dispatch.Service

	mu     sync.Mutex
	events []tracking.Event
}

func (r *Runner) newWorld(maxRiders, perRider int, tick time.Duration) (*world, error) {
	topo, err := topology.LoadSeedFile(r.cfg.SeedPath)
	if err != nil {
		return nil, err
	}
	origin, ok := topo.Get(types.ID(r.cfg.Origin))
	if !ok {
		return nil, fmt.Errorf("origin %s: %w", r.cfg.Origin, topology.ErrUnknownFacility)
	}
	w := &world{topo: topo}
	recorder := tracking.PublisherFunc(func(_ context.Context, env tracking.Envelope) error {
		e, ok := env.Payload.(tracking.Event)
		if !ok {
			return nil
		}
		w.mu.Lock()
		w.events = append(w.events, e)
		w.mu.Unlock()
		if r.cfg.PrintEvent && !env.Droppable() {
			fmt.Printf("      %-10s order=%s rider=%v %s\n", e.Status, e.OrderID, riderOf(e), e.StatusText)
		}
		return nil
	})

	w.orders = order.NewService(order.NewMemoryStore(), pricing.NewService(nil), topo, nil, r.log)
	simCfg := simulation.DefaultConfig()
	simCfg.TickInterval = tick
	simCfg.DeliveryStepKm = r.cfg.StepKm
	w.sim = simulation.NewService(simCfg, topo, nil, w.orders, recorder, r.log)
	w.dispatch, err = dispatch.NewService(dispatch.Config{MaxCouriers: maxRiders, PerCourierCapacity: perRider}, origin, w.orders, w.sim, recorder, nil, r.log)
	if err != nil {
		w.sim.Close()
		return nil, err
	}
	w.sim.SetCompletionHandler(w.dispatch)
	return w, nil
}

func riderOf(e tracking.Event) any {
	if e.RiderIndex == nil {
		return "-"
	}
	return *e.RiderIndex
}

// createOrders drops n parcels on a small grid east of the origin station.
func (w *world) createOrders(ctx context.Context, n int) ([]types.ID, error) {
	ids := make([]types.ID, n)
	for i := 0; i < n; i++ {
		o, err := w.orders.Create(ctx, order.CreateCommand{
			CustomerID:   types.ID(fmt.Sprintf("sim-%d", i)),
			Destination:  types.Point{Lat: 25.030 + 0.004*float64(i%3), Lng: 121.570 + 0.004*float64(i/3)},
			UrgencyScore: 10 * i,
		})
		if err != nil {
			return nil, err
		}
		ids[i] = o.ID
	}
	return ids, nil
}

func (w *world) eventsFor(id types.ID) []tracking.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []tracking.Event
	for _, e := range w.events {
		if e.OrderID == id {
			out = append(out, e)
		}
	}
	return out
}

func (w *world) idle() bool {
	st := w.dispatch.CurrentState()
	if st.QueueLength > 0 {
		return false
	}
	for _, c := range st.Couriers {
		if c.Status != dispatch.CourierIdle {
			return false
		}
	}
	return true
}

func waitFor(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (r *Runner) scenarios() []Scenario {
	return []Scenario{
		{Name: "Route: cross-city express keeps hubs, standard stops at centers", Run: routeScenario},
		{Name: "Dispatch: 5 orders on a 2x2 pool", Run: overflowScenario},
		{Name: "Simulation: every order delivered, couriers back to idle", Run: deliveryScenario},
		{Name: "Simulation: cancel mid-trip emits one terminal event", Run: cancelScenario},
		{Name: "Pool: shrink below busy couriers is rejected", Run: shrinkScenario},
	}
}

func routeScenario(_ context.Context, r *Runner) Result {
	topo, err := topology.LoadSeedFile(r.cfg.SeedPath)
	if err != nil {
		return fail("%v", err)
	}
	express, err := topo.Route("WH-NANGANG", "WH-QIANZHEN", topology.ServiceExpress)
	if err != nil {
		return fail("%v", err)
	}
	standard, err := topo.Route("WH-NANGANG", "WH-QIANZHEN", topology.ServiceStandard)
	if err != nil {
		return fail("%v", err)
	}
	for _, f := range standard {
		if f.Kind == topology.KindHub {
			return fail("standard route passes hub %s", f.ID)
		}
	}
	if len(express) != len(standard)+2 {
		return fail("express %d facilities, standard %d", len(express), len(standard))
	}
	return pass("express %d facilities, standard %d", len(express), len(standard))
}

func overflowScenario(ctx context.Context, r *Runner) Result {
	w, err := r.newWorld(2, 2, r.cfg.Tick)
	if err != nil {
		return fail("%v", err)
	}
	defer w.sim.Close()
	ids, err := w.createOrders(ctx, 5)
	if err != nil {
		return fail("%v", err)
	}
	res, err := w.dispatch.DispatchBatch(ctx, ids)
	if err != nil {
		return fail("%v", err)
	}
	if res.Dispatched != 4 || res.Queued != 1 {
		return fail("dispatched=%d queued=%d", res.Dispatched, res.Queued)
	}
	return pass("dispatched=%d queued=%d rejected=%d", res.Dispatched, res.Queued, res.Rejected)
}

func deliveryScenario(ctx context.Context, r *Runner) Result {
	w, err := r.newWorld(2, 2, r.cfg.Tick)
	if err != nil {
		return fail("%v", err)
	}
	defer w.sim.Close()
	ids, err := w.createOrders(ctx, 5)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := w.dispatch.DispatchBatch(ctx, ids); err != nil {
		return fail("%v", err)
	}
	err = waitFor(ctx, func() bool {
		for _, id := range ids {
			o, err := w.orders.Get(ctx, id)
			if err != nil || o.Status != order.StatusDelivered {
				return false
			}
		}
		return w.idle()
	})
	if err != nil {
		return fail("timed out: pool %+v", w.dispatch.CurrentState())
	}
	return pass("%d orders delivered", len(ids))
}

func cancelScenario(ctx context.Context, r *Runner) Result {
	// slow enough that the last stop is still ahead when the cancel lands
	w, err := r.newWorld(1, 3, max(r.cfg.Tick, 50*time.Millisecond))
	if err != nil {
		return fail("%v", err)
	}
	defer w.sim.Close()
	ids, err := w.createOrders(ctx, 3)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := w.dispatch.DispatchBatch(ctx, ids); err != nil {
		return fail("%v", err)
	}
	active := w.dispatch.CurrentState().Couriers[0].ActiveOrderIDs
	victim := active[len(active)-1]
	if _, err := w.orders.Cancel(ctx, order.CancelCommand{OrderID: victim, Reason: "simulated"}); err != nil {
		return fail("cancel: %v", err)
	}
	if !w.dispatch.CancelOrder(ctx, victim) {
		return fail("order %s was not in flight", victim)
	}
	if err := waitFor(ctx, w.idle); err != nil {
		return fail("timed out waiting for the courier")
	}

	events := w.eventsFor(victim)
	cancelled := 0
	for i, e := range events {
		if e.Status == tracking.StatusCancelled {
			cancelled++
			if i != len(events)-1 {
				return fail("%d events after the cancellation", len(events)-1-i)
			}
		}
	}
	if cancelled != 1 {
		return fail("%d cancelled events", cancelled)
	}
	o, err := w.orders.Get(ctx, victim)
	if err != nil {
		return fail("%v", err)
	}
	if o.Status != order.StatusCancelled {
		return fail("order ended %s", o.Status)
	}
	return pass("co-riders delivered, %d events before the stop", len(events)-1)
}

func shrinkScenario(ctx context.Context, r *Runner) Result {
	w, err := r.newWorld(2, 1, r.cfg.Tick)
	if err != nil {
		return fail("%v", err)
	}
	defer w.sim.Close()
	ids, err := w.createOrders(ctx, 2)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := w.dispatch.DispatchBatch(ctx, ids); err != nil {
		return fail("%v", err)
	}
	before := w.dispatch.CurrentState()
	_, err = w.dispatch.Reconfigure(ctx, 1, 1)
	if !errors.Is(err, dispatch.ErrPoolBusy) {
		return fail("expected pool busy, got %v", err)
	}
	if after := w.dispatch.CurrentState(); len(after.Couriers) != len(before.Couriers) {
		return fail("pool changed to %d couriers", len(after.Couriers))
	}
	return pass("%v", err)
}
