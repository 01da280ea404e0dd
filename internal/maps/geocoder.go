// README: Address geocoding for orders submitted without coordinates.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"parcelnet/internal/types"
)

var ErrNoGeocode = errors.New("address not found")

type geocodeClient interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

type Geocoder struct {
	client  geocodeClient
	breaker *Breaker
}

func NewGeocoder(client *maps.Client, breaker *Breaker) *Geocoder {
	return &Geocoder{client: client, breaker: breaker}
}

func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	res, err := g.breaker.Do(ctx, func(ctx context.Context) (interface{}, error) {
		results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
			Address:  address,
			Region:   "TW",
			Language: "zh-TW",
		})
		if err != nil {
			return nil, fmt.Errorf("geocoding api error: %w", err)
		}
		return results, nil
	})
	if err != nil {
		return types.Point{}, err
	}
	results := res.([]maps.GeocodingResult)
	if len(results) == 0 {
		return types.Point{}, fmt.Errorf("%w: %q", ErrNoGeocode, address)
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}

// NewClient builds the shared Google Maps client.
func NewClient(apiKey string) (*maps.Client, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}
