// README: Turns an ordered stop list into transport legs with resolved polylines.
package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"parcelnet/internal/geo"
	"parcelnet/internal/metrics"
	"parcelnet/internal/modules/sequencing"
	"parcelnet/internal/modules/topology"
	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

type leg struct {
	orderID  types.ID
	mode     tracking.Mode
	steps    int
	label    string
	terminal bool // ends at the order's stop
	from     types.Point
	to       types.Point
	path     []types.Point
}

func (l leg) end() types.Point {
	return l.path[len(l.path)-1]
}

// waypoint is a position with the facility kind it represents.
type waypoint struct {
	facility *topology.Facility
	pos      types.Point
}

func (w waypoint) kind() topology.Kind {
	if w.facility == nil {
		return topology.KindAddress
	}
	return w.facility.Kind
}

// selectMode picks the conveyance for a hop between two facility kinds.
func selectMode(from, to topology.Kind, distKm, airThresholdKm float64) tracking.Mode {
	if from == topology.KindHub && to == topology.KindHub && distKm >= airThresholdKm {
		return tracking.ModeAir
	}
	lastMile := to == topology.KindAddress || to == topology.KindLocker
	localStart := from == topology.KindStation || from == topology.KindAddress || from == topology.KindLocker
	if lastMile && localStart {
		return tracking.ModeDelivery
	}
	return tracking.ModeTrunk
}

func stepsFor(mode tracking.Mode, distKm, longTrunkKm float64) int {
	switch mode {
	case tracking.ModeAir:
		return airStepsPerTick
	case tracking.ModeTrunk:
		if distKm >= longTrunkKm {
			return longTrunkStepsPerTick
		}
		return trunkStepsPerTick
	}
	return deliveryStepsPerTick
}

type legPlanner struct {
	cfg      Config
	topo     *topology.Topology
	provider PolylineProvider
	log      *slog.Logger
}

func (p *legPlanner) facility(id types.ID) *topology.Facility {
	if id == "" || p.topo == nil {
		return nil
	}
	f, ok := p.topo.Get(id)
	if !ok {
		return nil
	}
	return &f
}

func (p *legPlanner) newLeg(orderID types.ID, from, to waypoint, label string, terminal bool) leg {
	dist := geo.HaversineKm(from.pos, to.pos)
	mode := selectMode(from.kind(), to.kind(), dist, p.cfg.AirThresholdKm)
	return leg{
		orderID:  orderID,
		mode:     mode,
		steps:    stepsFor(mode, dist, p.cfg.LongTrunkKm),
		label:    label,
		terminal: terminal,
		from:     from.pos,
		to:       to.pos,
	}
}

// plan builds unresolved legs origin -> stop1 -> ... -> stopN. Hops between
// two known facilities follow the topology route; anything else is direct.
func (p *legPlanner) plan(origin topology.Facility, stops []sequencing.Stop) []leg {
	var legs []leg
	prev := waypoint{facility: &origin, pos: origin.Position}
	for _, s := range stops {
		target := waypoint{facility: p.facility(s.FacilityID), pos: s.Position}
		if !target.pos.Valid() && target.facility != nil {
			target.pos = target.facility.Position
		}
		label := string(s.OrderID)
		if target.facility != nil {
			label = target.facility.Name
		}

		var route []topology.Facility
		if prev.facility != nil && target.facility != nil {
			level := s.ServiceLevel
			if level == "" {
				level = topology.ServiceStandard
			}
			r, err := p.topo.Route(prev.facility.ID, target.facility.ID, level)
			if err == nil {
				route = r
			}
		}

		if len(route) > 2 {
			hopFrom := prev
			for i := 1; i < len(route); i++ {
				f := route[i]
				hopTo := waypoint{facility: &f, pos: f.Position}
				last := i == len(route)-1
				if last {
					hopTo.pos = target.pos
				}
				legs = append(legs, p.newLeg(s.OrderID, hopFrom, hopTo, f.Name, last))
				hopFrom = hopTo
			}
		} else {
			legs = append(legs, p.newLeg(s.OrderID, prev, target, label, true))
		}
		prev = target
	}
	return legs
}

// resolve fills every leg's path, concurrently. It never fails: a provider
// error or timeout degrades that leg to a straight line.
func (p *legPlanner) resolve(ctx context.Context, legs []leg) {
	var g errgroup.Group
	g.SetLimit(4)
	for i := range legs {
		i := i
		g.Go(func() error {
			legs[i].path = p.polyline(ctx, legs[i])
			return nil
		})
	}
	_ = g.Wait()
}

// PolylineResult is the outcome of asking the provider for one leg.
// Err is set exactly when the provider could not serve the leg.
type PolylineResult struct {
	Points []types.Point
	Err    error
}

func (p *legPlanner) fetch(ctx context.Context, l leg) PolylineResult {
	if p.provider == nil {
		return PolylineResult{Err: ErrProviderUnavailable}
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.PolylineTimeout)
	defer cancel()
	pts, err := p.provider.Polyline(cctx, l.from, l.to, l.mode)
	if err != nil {
		return PolylineResult{Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	if len(pts) < 2 {
		return PolylineResult{Err: fmt.Errorf("%w: %d points", ErrProviderUnavailable, len(pts))}
	}
	return PolylineResult{Points: pts}
}

func (p *legPlanner) polyline(ctx context.Context, l leg) []types.Point {
	step := p.cfg.stepKm(l.mode)
	res := p.fetch(ctx, l)
	if res.Err != nil {
		metrics.PolylineRequestsTotal.WithLabelValues("fallback").Inc()
		if p.provider != nil {
			p.log.Debug("polyline fallback", "order_id", l.orderID, "mode", l.mode, "err", res.Err)
		}
		return straightPath(l.from, l.to, step)
	}
	metrics.PolylineRequestsTotal.WithLabelValues("provider").Inc()
	// pin the endpoints so consecutive legs join exactly
	pts := res.Points
	pts[0], pts[len(pts)-1] = l.from, l.to
	return geo.Densify(pts, step)
}

func straightPath(from, to types.Point, stepKm float64) []types.Point {
	return geo.Densify([]types.Point{from, to}, stepKm)
}
