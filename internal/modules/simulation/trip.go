// README: Trip state machine; one tick of movement is a pure step over this state.
package simulation

import (
	"sync"
	"time"

	"parcelnet/internal/geo"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type phase int

const (
	phaseDelivering phase = iota
	phaseReturning
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseDelivering:
		return "delivering"
	case phaseReturning:
		return "returning"
	}
	return "done"
}

type trip struct {
	id        string
	rider     int
	origin    topology.Facility
	tickMs    int
	returnKm  float64
	startedAt time.Time

	legs     []leg
	leg      int
	cursor   int
	phase    phase
	back     []types.Point
	lastMode tracking.Mode

	delivered map[types.ID]bool

	// written by CancelOrder from other goroutines
	mu        sync.Mutex
	cancelReq []types.ID
	view      TripView
}

// tickResult is what one tick produced; the service performs the side effects.
type tickResult struct {
	events    []tracking.Event
	delivered []types.ID
	cancelled []types.ID
	returning bool
	done      bool
}

func newTrip(id string, rider int, origin topology.Facility, legs []leg, cfg Config, now time.Time) *trip {
	t := &trip{
		id:        id,
		rider:     rider,
		origin:    origin,
		tickMs:    int(cfg.TickInterval / time.Millisecond),
		returnKm:  cfg.DeliveryStepKm,
		startedAt: now,
		legs:      legs,
		delivered: map[types.ID]bool{},
	}
	t.refreshView()
	return t
}

// requestCancel flags orderID for removal at the next tick. It reports false
// when the order is not pending on this trip.
func (t *trip) requestCancel(orderID types.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	for _, id := range t.view.PendingOrders {
		if id == orderID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, id := range t.cancelReq {
		if id == orderID {
			return true
		}
	}
	t.cancelReq = append(t.cancelReq, orderID)
	return true
}

func (t *trip) snapshot() TripView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view
	v.PendingOrders = append([]types.ID(nil), t.view.PendingOrders...)
	return v
}

func (t *trip) hasOrder(orderID types.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.view.PendingOrders {
		if id == orderID {
			return true
		}
	}
	return false
}

func (t *trip) position() types.Point {
	switch t.phase {
	case phaseDelivering:
		if t.leg < len(t.legs) {
			return t.legs[t.leg].path[t.cursor]
		}
	case phaseReturning:
		return t.back[t.cursor]
	}
	return t.origin.Position
}

func (t *trip) pendingOrders() []types.ID {
	var out []types.ID
	seen := map[types.ID]bool{}
	for _, l := range t.legs[t.leg:] {
		if !seen[l.orderID] {
			seen[l.orderID] = true
			out = append(out, l.orderID)
		}
	}
	return out
}

func (t *trip) refreshView() {
	mode := t.lastMode
	if mode == "" && t.leg < len(t.legs) {
		mode = t.legs[t.leg].mode
	}
	v := TripView{
		TripID:        t.id,
		RiderIndex:    t.rider,
		Phase:         t.phase.String(),
		Position:      t.position(),
		TransportMode: mode,
		StartedAt:     t.startedAt,
	}
	if t.phase == phaseDelivering {
		v.PendingOrders = t.pendingOrders()
	}
	t.mu.Lock()
	t.view = v
	t.mu.Unlock()
}

func (t *trip) event(orderID types.ID, status tracking.Status, text string, mode tracking.Mode, zoom, speed int, reset bool, now time.Time) tracking.Event {
	return t.eventAt(t.position(), orderID, status, text, mode, zoom, speed, reset, now)
}

func (t *trip) eventAt(p types.Point, orderID types.ID, status tracking.Status, text string, mode tracking.Mode, zoom, speed int, reset bool, now time.Time) tracking.Event {
	rider := t.rider
	return tracking.Event{
		OrderID:       orderID,
		Lat:           p.Lat,
		Lng:           p.Lng,
		Status:        status,
		StatusText:    text,
		TransportMode: mode,
		Zoom:          zoom,
		Speed:         speed,
		ResetView:     reset,
		RiderIndex:    &rider,
		TripID:        t.id,
		Timestamp:     now.UTC(),
	}
}

// advance runs one tick. Pending cancellations consume the tick without moving.
func (t *trip) advance(now time.Time) tickResult {
	var res tickResult
	defer t.refreshView()

	t.mu.Lock()
	cancels := t.cancelReq
	t.cancelReq = nil
	t.mu.Unlock()

	if t.phase == phaseDelivering && len(cancels) > 0 {
		pos := t.position()
		mode := t.lastMode
		if mode == "" {
			mode = t.legs[t.leg].mode
		}
		for _, id := range cancels {
			if t.delivered[id] || !t.pendingHas(id) {
				continue
			}
			res.events = append(res.events, t.eventAt(pos, id, tracking.StatusCancelled, "Delivery cancelled", mode, zoomFor(mode), 0, false, now))
			res.cancelled = append(res.cancelled, id)
			t.dropOrder(id, pos)
		}
		if len(res.cancelled) > 0 {
			if t.leg >= len(t.legs) {
				t.beginReturnFrom(pos)
				res.returning = true
			}
			return res
		}
	}

	switch t.phase {
	case phaseDelivering:
		t.stepDelivering(now, &res)
	case phaseReturning:
		t.stepReturning(now, &res)
	default:
		res.done = true
	}
	return res
}

func (t *trip) pendingHas(orderID types.ID) bool {
	for _, l := range t.legs[t.leg:] {
		if l.orderID == orderID {
			return true
		}
	}
	return false
}

// dropOrder removes every remaining leg of orderID. The leg after a removed
// run is re-linked by a straight line from wherever the courier would be.
func (t *trip) dropOrder(orderID types.ID, pos types.Point) {
	currentRemoved := t.legs[t.leg].orderID == orderID
	anchor := pos
	relink := currentRemoved

	kept := make([]leg, 0, len(t.legs)-t.leg)
	for _, l := range t.legs[t.leg:] {
		if l.orderID == orderID {
			relink = true
			continue
		}
		if relink {
			l.from = anchor
			l.path = straightPath(anchor, l.to, t.stepKm(l))
			relink = false
		}
		kept = append(kept, l)
		anchor = l.end()
	}
	t.legs = append(t.legs[:t.leg], kept...)
	if currentRemoved {
		t.cursor = 0
	}
}

func (t *trip) stepKm(l leg) float64 {
	// keep the leg's existing density when it has one
	if len(l.path) >= 2 {
		n := float64(len(l.path) - 1)
		if d := geo.PathLengthKm(l.path) / n; d > 0 {
			return d
		}
	}
	return t.returnKm
}

func (t *trip) speedHint(steps int) int {
	if steps <= 0 {
		return t.tickMs
	}
	return t.tickMs / steps
}

func (t *trip) stepDelivering(now time.Time, res *tickResult) {
	l := t.legs[t.leg]
	reset := t.cursor == 0 && l.mode != t.lastMode

	last := len(l.path) - 1
	t.cursor += l.steps
	if t.cursor > last {
		t.cursor = last
	}
	t.lastMode = l.mode

	if t.cursor < last {
		res.events = append(res.events, t.event(l.orderID, tracking.StatusShipping, "In transit to "+l.label, l.mode, zoomFor(l.mode), t.speedHint(l.steps), reset, now))
		return
	}

	if l.terminal {
		t.delivered[l.orderID] = true
		res.delivered = append(res.delivered, l.orderID)
		res.events = append(res.events, t.event(l.orderID, tracking.StatusDelivered, "Delivered", l.mode, zoomFor(l.mode), t.speedHint(l.steps), reset, now))
	} else {
		res.events = append(res.events, t.event(l.orderID, tracking.StatusShipping, "Arrived at "+l.label, l.mode, zoomFor(l.mode), t.speedHint(l.steps), reset, now))
	}

	end := l.end()
	t.leg++
	t.cursor = 0
	if t.leg >= len(t.legs) {
		t.beginReturnFrom(end)
		res.returning = true
	}
}

func (t *trip) beginReturnFrom(from types.Point) {
	t.phase = phaseReturning
	t.cursor = 0
	t.back = straightPath(from, t.origin.Position, t.returnKm)
}

func (t *trip) stepReturning(now time.Time, res *tickResult) {
	reset := t.cursor == 0
	last := len(t.back) - 1
	t.cursor += returnStepsPerTick
	if t.cursor > last {
		t.cursor = last
	}
	t.lastMode = tracking.ModeDelivery
	res.events = append(res.events, t.event("", tracking.StatusReturning, "Returning to "+t.origin.Name, tracking.ModeDelivery, returnZoom, t.speedHint(returnStepsPerTick), reset, now))
	if t.cursor < last {
		return
	}
	t.phase = phaseDone
	res.events = append(res.events, t.event("", tracking.StatusRiderIdle, "Rider idle", "", returnZoom, 0, true, now))
	res.done = true
}
