// README: Rider pool scheduler tests (capacity, queueing, completion, reconfiguration).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcelnet/internal/logging"
	"parcelnet/internal/modules/order"
	"parcelnet/internal/modules/sequencing"
	"parcelnet/internal/modules/simulation"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

var station = topology.Facility{
	ID:       "STA-XINYI",
	Name:     "Xinyi Station",
	Kind:     topology.KindStation,
	Position: types.Point{Lat: 25.0330, Lng: 121.5654},
	City:     "Taipei",
}

type startCall struct {
	rider int
	stops []sequencing.Stop
}

type fakeRunner struct {
	mu        sync.Mutex
	starts    []startCall
	cancelled []types.ID
	err       error
	seq       int
}

func (f *fakeRunner) StartTrip(_ context.Context, rider int, stops []sequencing.Stop, _ topology.Facility) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.starts = append(f.starts, startCall{rider: rider, stops: stops})
	return fmt.Sprintf("trip-%d", f.seq), nil
}

func (f *fakeRunner) CancelOrder(id types.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeRunner) calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.starts...)
}

type recorder struct {
	mu   sync.Mutex
	envs []tracking.Envelope
}

func (r *recorder) Publish(_ context.Context, env tracking.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) ofType(typ string) []tracking.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tracking.Envelope
	for _, e := range r.envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	orders *order.Service
	runner *fakeRunner
	pub    *recorder
}

func newFixture(t *testing.T, maxCouriers, capacity int) *fixture {
	t.Helper()
	orders := order.NewService(order.NewMemoryStore(), nil, nil, nil, logging.Discard())
	runner := &fakeRunner{}
	pub := &recorder{}
	svc, err := NewService(Config{MaxCouriers: maxCouriers, PerCourierCapacity: capacity}, station, orders, runner, pub, nil, logging.Discard())
	require.NoError(t, err)
	return &fixture{svc: svc, orders: orders, runner: runner, pub: pub}
}

// createOrders places n pending orders a few hundred metres apart, east of the station.
func (f *fixture) createOrders(t *testing.T, n int) []types.ID {
	t.Helper()
	ids := make([]types.ID, n)
	for i := 0; i < n; i++ {
		o, err := f.orders.Create(context.Background(), order.CreateCommand{
			CustomerID:  "c1",
			Destination: types.Point{Lat: 25.03 + 0.002*float64(i), Lng: 121.57 + 0.003*float64(i)},
		})
		require.NoError(t, err)
		ids[i] = o.ID
	}
	return ids
}

func (f *fixture) status(t *testing.T, id types.ID) order.Status {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestNewServiceRejectsInvalidPool(t *testing.T) {
	_, err := NewService(Config{MaxCouriers: 0, PerCourierCapacity: 2}, station, nil, nil, nil, nil, logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidPoolConfig)
	_, err = NewService(Config{MaxCouriers: 2, PerCourierCapacity: 0}, station, nil, nil, nil, nil, logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidPoolConfig)
}

func TestDispatchFiveOrdersTwoByTwo(t *testing.T) {
	f := newFixture(t, 2, 2)
	ids := f.createOrders(t, 5)

	res, err := f.svc.DispatchBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Dispatched)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 0, res.Rejected)

	st := f.svc.CurrentState()
	require.Len(t, st.Couriers, 2)
	for _, c := range st.Couriers {
		assert.Equal(t, CourierBusy, c.Status)
		assert.Len(t, c.ActiveOrderIDs, 2)
		assert.NotEmpty(t, c.TripID)
	}
	require.Equal(t, 1, st.QueueLength)

	shipping := 0
	for _, id := range ids {
		switch f.status(t, id) {
		case order.StatusShipping:
			shipping++
		case order.StatusPending:
			assert.Equal(t, id, st.Queue[0].Stop.OrderID)
		}
	}
	assert.Equal(t, 4, shipping)

	calls := f.runner.calls()
	require.Len(t, calls, 2)
	assert.Len(t, f.pub.ofType(tracking.TypePlan), 1)
	assert.NotEmpty(t, f.pub.ofType(tracking.TypePool))
}

func TestDispatchQueuesExactOverflow(t *testing.T) {
	cases := []struct {
		orders, riders, capacity, queued int
	}{
		{11, 3, 2, 5},
		{6, 2, 3, 0},
		{7, 1, 4, 3},
		{20, 4, 3, 8},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d_orders_%dx%d", c.orders, c.riders, c.capacity), func(t *testing.T) {
			f := newFixture(t, c.riders, c.capacity)
			res, err := f.svc.DispatchBatch(context.Background(), f.createOrders(t, c.orders))
			require.NoError(t, err)
			assert.Equal(t, c.queued, res.Queued)
			assert.Equal(t, c.orders-c.queued, res.Dispatched)
			for _, courier := range f.svc.CurrentState().Couriers {
				assert.LessOrEqual(t, len(courier.ActiveOrderIDs), c.capacity)
			}
		})
	}
}

func TestDispatchUrgentStopsLeadTheBatch(t *testing.T) {
	f := newFixture(t, 1, 3)
	ctx := context.Background()
	near, err := f.orders.Create(ctx, order.CreateCommand{CustomerID: "c", Destination: types.Point{Lat: 25.034, Lng: 121.566}})
	require.NoError(t, err)
	far, err := f.orders.Create(ctx, order.CreateCommand{CustomerID: "c", Destination: types.Point{Lat: 25.06, Lng: 121.60}, UrgencyScore: 95})
	require.NoError(t, err)

	_, err = f.svc.DispatchBatch(ctx, []types.ID{near.ID, far.ID})
	require.NoError(t, err)
	calls := f.runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, far.ID, calls[0].stops[0].OrderID)
	assert.True(t, calls[0].stops[0].Urgent())
}

func TestDispatchOverflowQueuesTailNotUrgent(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()
	near, err := f.orders.Create(ctx, order.CreateCommand{CustomerID: "c", Destination: types.Point{Lat: 25.034, Lng: 121.566}})
	require.NoError(t, err)
	far, err := f.orders.Create(ctx, order.CreateCommand{CustomerID: "c", Destination: types.Point{Lat: 25.06, Lng: 121.60}, UrgencyScore: 90})
	require.NoError(t, err)

	res, err := f.svc.DispatchBatch(ctx, []types.ID{near.ID, far.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, order.StatusShipping, f.status(t, far.ID))
	assert.Equal(t, order.StatusPending, f.status(t, near.ID))
	st := f.svc.CurrentState()
	require.Len(t, st.Queue, 1)
	assert.Equal(t, near.ID, st.Queue[0].Stop.OrderID)
}

// gatedBook holds Get until released.
type gatedBook struct {
	OrderBook
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBook) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.OrderBook.Get(ctx, id)
}

func TestDispatchLooksUpOrdersWithoutHoldingPool(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	ids := f.createOrders(t, 1)
	book := &gatedBook{OrderBook: f.orders, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.svc.orders = book

	done := make(chan Result, 1)
	go func() {
		res, _ := f.svc.DispatchBatch(ctx, ids)
		done <- res
	}()
	select {
	case <-book.entered:
	case <-time.After(time.Second):
		t.Fatal("dispatch never looked the order up")
	}

	state := make(chan PoolState, 1)
	go func() { state <- f.svc.CurrentState() }()
	select {
	case st := <-state:
		assert.Equal(t, CourierIdle, st.Couriers[0].Status)
	case <-time.After(time.Second):
		t.Fatal("pool locked while reading orders")
	}
	assert.True(t, f.svc.HasCourier(0))

	close(book.release)
	res := <-done
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, order.StatusShipping, f.status(t, ids[0]))
}

func TestDispatchRejections(t *testing.T) {
	f := newFixture(t, 2, 2)
	ctx := context.Background()
	ids := f.createOrders(t, 2)
	noCoords, err := f.orders.Create(ctx, order.CreateCommand{CustomerID: "c1"})
	require.NoError(t, err)
	_, err = f.orders.Cancel(ctx, order.CancelCommand{OrderID: ids[1]})
	require.NoError(t, err)

	res, err := f.svc.DispatchBatch(ctx, []types.ID{ids[0], ids[0], ids[1], noCoords.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 3, res.Rejected)

	reasons := map[types.ID]string{}
	for _, r := range res.Rejections {
		reasons[r.OrderID] = r.Reason
	}
	assert.Contains(t, reasons[ids[1]], "cancelled")
	assert.Contains(t, reasons[noCoords.ID], "coordinates")
	assert.Contains(t, reasons, types.ID("missing"))

	// a second dispatch of the same order is reported, not re-assigned
	res, err = f.svc.DispatchBatch(ctx, []types.ID{ids[0]})
	assert.ErrorIs(t, err, ErrNoEligibleOrders)
	assert.Equal(t, "already dispatched", res.Rejections[0].Reason)
}

func TestDispatchNothingEligibleLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 2, 2)
	before := f.svc.CurrentState()

	res, err := f.svc.DispatchBatch(context.Background(), []types.ID{"a", "b"})
	require.ErrorIs(t, err, ErrNoEligibleOrders)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, before, f.svc.CurrentState())
	assert.Empty(t, f.runner.calls())
	assert.Empty(t, f.pub.ofType(tracking.TypePool))
}

func TestShipOrder(t *testing.T) {
	f := newFixture(t, 1, 1)
	ids := f.createOrders(t, 1)
	res, err := f.svc.ShipOrder(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, order.StatusShipping, f.status(t, ids[0]))
}

func TestOnTripCompletedDrainsQueue(t *testing.T) {
	f := newFixture(t, 2, 2)
	ctx := context.Background()
	ids := f.createOrders(t, 5)
	_, err := f.svc.DispatchBatch(ctx, ids)
	require.NoError(t, err)
	queued := f.svc.CurrentState().Queue[0].Stop.OrderID

	f.svc.OnReturning(ctx, 0)
	assert.Equal(t, CourierReturning, f.svc.CurrentState().Couriers[0].Status)

	f.svc.OnTripCompleted(ctx, 0)
	st := f.svc.CurrentState()
	assert.Equal(t, CourierBusy, st.Couriers[0].Status)
	assert.Equal(t, []types.ID{queued}, st.Couriers[0].ActiveOrderIDs)
	assert.Zero(t, st.QueueLength)
	assert.Equal(t, order.StatusShipping, f.status(t, queued))

	calls := f.runner.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 0, calls[2].rider)

	f.svc.OnTripCompleted(ctx, 1)
	st = f.svc.CurrentState()
	assert.Equal(t, CourierIdle, st.Couriers[1].Status)
	assert.Empty(t, st.Couriers[1].ActiveOrderIDs)
	assert.Len(t, st.Couriers, 2)
}

func TestQueueDrainsFIFO(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()
	first := f.createOrders(t, 3)
	_, err := f.svc.DispatchBatch(ctx, first)
	require.NoError(t, err)
	queue := f.svc.CurrentState().Queue
	require.Len(t, queue, 2)

	f.svc.OnTripCompleted(ctx, 0)
	assert.Equal(t, []types.ID{queue[0].Stop.OrderID}, f.svc.CurrentState().Couriers[0].ActiveOrderIDs)
	f.svc.OnTripCompleted(ctx, 0)
	assert.Equal(t, []types.ID{queue[1].Stop.OrderID}, f.svc.CurrentState().Couriers[0].ActiveOrderIDs)
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t, 2, 2)
	ctx := context.Background()
	_, err := f.svc.DispatchBatch(ctx, f.createOrders(t, 5))
	require.NoError(t, err)

	before := f.svc.CurrentState()
	_, err = f.svc.Reconfigure(ctx, 1, 2)
	require.ErrorIs(t, err, ErrPoolBusy)
	assert.Equal(t, before, f.svc.CurrentState())

	_, err = f.svc.Reconfigure(ctx, 0, 2)
	require.ErrorIs(t, err, ErrInvalidPoolConfig)

	// growing picks up the queued order right away
	st, err := f.svc.Reconfigure(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, st.Couriers, 3)
	assert.Equal(t, CourierBusy, st.Couriers[2].Status)
	assert.Len(t, st.Couriers[2].ActiveOrderIDs, 1)
	assert.Zero(t, st.QueueLength)

	f.svc.OnTripCompleted(ctx, 2)
	st, err = f.svc.Reconfigure(ctx, 2, 4)
	require.NoError(t, err)
	assert.Len(t, st.Couriers, 2)
	assert.Equal(t, 4, st.PerCourierCapacity)
	assert.False(t, f.svc.HasCourier(2))
	assert.True(t, f.svc.HasCourier(1))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	ids := f.createOrders(t, 3)
	_, err := f.svc.DispatchBatch(ctx, ids)
	require.NoError(t, err)
	st := f.svc.CurrentState()
	queued := st.Queue[0].Stop.OrderID
	active := st.Couriers[0].ActiveOrderIDs[0]

	assert.True(t, f.svc.CancelOrder(ctx, queued))
	assert.Zero(t, f.svc.CurrentState().QueueLength)
	assert.Empty(t, f.runner.cancelled)

	assert.True(t, f.svc.CancelOrder(ctx, active))
	assert.Equal(t, []types.ID{active}, f.runner.cancelled)
	assert.NotContains(t, f.svc.CurrentState().Couriers[0].ActiveOrderIDs, active)
	assert.Len(t, f.svc.CurrentState().Couriers[0].ActiveOrderIDs, 1)
}

func TestTripStartFailureFlagsOrders(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.runner.err = errors.New("simulator closed")
	ids := f.createOrders(t, 2)

	res, err := f.svc.DispatchBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, CourierIdle, f.svc.CurrentState().Couriers[0].Status)
	for _, id := range ids {
		assert.Equal(t, order.StatusException, f.status(t, id))
	}
}

func TestTripStartDuringShutdownLeavesOrdersShipping(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.runner.err = fmt.Errorf("start: %w", simulation.ErrClosed)
	ids := f.createOrders(t, 2)

	res, err := f.svc.DispatchBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, CourierIdle, f.svc.CurrentState().Couriers[0].Status)
	for _, id := range ids {
		assert.Equal(t, order.StatusShipping, f.status(t, id))
	}
}

func TestRunSchedulerStopsOnCancel(t *testing.T) {
	orders := order.NewService(order.NewMemoryStore(), nil, nil, nil, logging.Discard())
	svc, err := NewService(Config{MaxCouriers: 1, PerCourierCapacity: 1, SchedulerTick: 5 * time.Millisecond}, station, orders, &fakeRunner{}, nil, nil, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunScheduler(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStoreMirrorsPool(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb)
	ctx := context.Background()

	_, _, ok, err := store.LoadConfig(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	orders := order.NewService(order.NewMemoryStore(), nil, nil, nil, logging.Discard())
	svc, err := NewService(Config{MaxCouriers: 1, PerCourierCapacity: 1}, station, orders, &fakeRunner{}, nil, store, logging.Discard())
	require.NoError(t, err)
	f := &fixture{svc: svc, orders: orders}
	ids := f.createOrders(t, 3)
	_, err = svc.DispatchBatch(ctx, ids)
	require.NoError(t, err)

	maxCouriers, capacity, ok, err := store.LoadConfig(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, maxCouriers)
	assert.Equal(t, 1, capacity)

	queue, err := store.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, svc.CurrentState().Queue[0].Stop.OrderID, queue[0].Stop.OrderID)

	svc.CancelOrder(ctx, queue[0].Stop.OrderID)
	queue, err = store.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}
