// README: Route lookup service with Google Maps travel estimates.
package route

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"rickqueue/internal/types"
)

// Lookup is what the service needs from its store; tests swap in a map.
type Lookup interface {
	Get(ctx context.Context, id types.ID) (Route, error)
	ListActive(ctx context.Context) ([]Route, error)
}

// Directions is the slice of the Maps client the service calls; *maps.Client
// satisfies it, tests stub it.
type Directions interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

type Service struct {
	store Lookup
	maps  Directions
}

// NewService builds the route service. mapsAPIKey may be empty, in which
// case travel estimates fall back to a distance-based guess.
func NewService(store Lookup, mapsAPIKey string) (*Service, error) {
	s := &Service{store: store}
	if mapsAPIKey != "" {
		client, err := maps.NewClient(maps.WithAPIKey(mapsAPIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create maps client: %w", err)
		}
		s.maps = client
	}
	return s, nil
}

// NewServiceWithDirections injects a Directions implementation directly.
func NewServiceWithDirections(store Lookup, dir Directions) *Service {
	return &Service{store: store, maps: dir}
}

// Get resolves a route id. Inactive routes are reported as not found so the
// matcher rejects joins against retired routes.
func (s *Service) Get(ctx context.Context, id types.ID) (Route, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Route{}, err
	}
	if !r.Active {
		return Route{}, ErrNotFound
	}
	return r, nil
}

// List returns all routes currently open for queueing.
func (s *Service) List(ctx context.Context) ([]Route, error) {
	return s.store.ListActive(ctx)
}

// TravelEstimate returns the driving duration for the route. It assumes
// driving mode; without a Maps client it estimates from route distance at
// rickshaw pace.
func (s *Service) TravelEstimate(ctx context.Context, r Route) (time.Duration, error) {
	if s.maps == nil {
		return fallbackEstimate(r.DistanceKm), nil
	}

	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", r.Origin.Lat, r.Origin.Lng),
		Destination: fmt.Sprintf("%f,%f", r.Destination.Lat, r.Destination.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := s.maps.Directions(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	return routes[0].Legs[0].Duration, nil
}

// fallbackEstimate assumes ~18 km/h average for a shared rickshaw in traffic.
func fallbackEstimate(distanceKm float64) time.Duration {
	const avgSpeedKmh = 18.0
	return time.Duration(distanceKm / avgSpeedKmh * float64(time.Hour))
}
