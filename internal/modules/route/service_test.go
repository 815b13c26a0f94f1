package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"rickqueue/internal/types"
)

type fakeLookup struct {
	routes map[types.ID]Route
}

func (f *fakeLookup) Get(_ context.Context, id types.ID) (Route, error) {
	r, ok := f.routes[id]
	if !ok {
		return Route{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeLookup) ListActive(_ context.Context) ([]Route, error) {
	var out []Route
	for _, r := range f.routes {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{routes: map[types.ID]Route{
		"r1": {ID: "r1", OriginName: "Campus", DestinationName: "Station", DistanceKm: 3.2, Active: true},
		"r2": {ID: "r2", OriginName: "Market", DestinationName: "Harbor", DistanceKm: 5.0, Active: false},
	}}
}

func TestGet_InactiveRouteIsNotFound(t *testing.T) {
	svc, err := NewService(newFakeLookup(), "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Get(context.Background(), "r1"); err != nil {
		t.Fatalf("active route: %v", err)
	}
	if _, err := svc.Get(context.Background(), "r2"); err != ErrNotFound {
		t.Fatalf("inactive route: got %v, want ErrNotFound", err)
	}
	if _, err := svc.Get(context.Background(), "r9"); err != ErrNotFound {
		t.Fatalf("unknown route: got %v, want ErrNotFound", err)
	}
}

func TestList_OnlyActiveRoutes(t *testing.T) {
	svc, err := NewService(newFakeLookup(), "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "r1" {
		t.Fatalf("routes = %v, want only r1", rs)
	}
}

type fakeDirections struct {
	req      *maps.DirectionsRequest
	duration time.Duration
	err      error
}

func (f *fakeDirections) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.req = r
	if f.err != nil {
		return nil, nil, f.err
	}
	return []maps.Route{{Legs: []*maps.Leg{{Duration: f.duration}}}}, nil, nil
}

func TestTravelEstimate_UsesDirections(t *testing.T) {
	dir := &fakeDirections{duration: 14 * time.Minute}
	svc := NewServiceWithDirections(newFakeLookup(), dir)

	r, _ := svc.Get(context.Background(), "r1")
	d, err := svc.TravelEstimate(context.Background(), r)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if d != 14*time.Minute {
		t.Fatalf("estimate = %v, want 14m from directions leg", d)
	}
	if dir.req == nil || dir.req.Mode != maps.TravelModeDriving {
		t.Fatalf("directions request = %+v, want driving mode", dir.req)
	}
}

func TestTravelEstimate_DirectionsErrorSurfaces(t *testing.T) {
	dir := &fakeDirections{err: errors.New("quota exceeded")}
	svc := NewServiceWithDirections(newFakeLookup(), dir)

	r, _ := svc.Get(context.Background(), "r1")
	if _, err := svc.TravelEstimate(context.Background(), r); err == nil {
		t.Fatal("expected error from directions failure")
	}
}

func TestTravelEstimate_FallbackWithoutMapsClient(t *testing.T) {
	svc, err := NewService(newFakeLookup(), "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	r, _ := svc.Get(context.Background(), "r1")
	d, err := svc.TravelEstimate(context.Background(), r)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if d <= 0 || d > time.Hour {
		t.Fatalf("estimate = %v, want a plausible rickshaw duration", d)
	}
}
