// README: Road polylines from the Google Directions API, used for simulated legs.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"parcelnet/internal/modules/tracking"
	"parcelnet/internal/types"
)

var ErrNoRoute = errors.New("no route found")

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// DirectionsProvider resolves ground legs to driving polylines. Air legs are
// not a road route and always report ErrNoRoute so the caller falls back.
type DirectionsProvider struct {
	client  directionsClient
	breaker *Breaker
}

func NewDirectionsProvider(client *maps.Client, breaker *Breaker) *DirectionsProvider {
	return &DirectionsProvider{client: client, breaker: breaker}
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func (p *DirectionsProvider) Polyline(ctx context.Context, from, to types.Point, mode tracking.Mode) ([]types.Point, error) {
	if mode == tracking.ModeAir {
		return nil, fmt.Errorf("%w: air leg", ErrNoRoute)
	}
	req := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
		Region:      "TW",
	}
	res, err := p.breaker.Do(ctx, func(ctx context.Context) (interface{}, error) {
		routes, _, err := p.client.Directions(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("maps api error: %w", err)
		}
		return routes, nil
	})
	if err != nil {
		return nil, err
	}
	routes := res.([]maps.Route)
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}
	decoded, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(decoded) < 2 {
		return nil, ErrNoRoute
	}
	out := make([]types.Point, len(decoded))
	for i, ll := range decoded {
		out[i] = types.Point{Lat: ll.Lat, Lng: ll.Lng}
	}
	return out, nil
}
