package geo

import (
	"context"
	"math"
	"testing"
)

func TestDistanceKnownPair(t *testing.T) {
	// Bangalore city center to Mysore, roughly 128.5 km
	blr := Coordinates{Latitude: 12.9716, Longitude: 77.5946}
	mys := Coordinates{Latitude: 12.2958, Longitude: 76.6394}

	got := Distance(blr, mys)
	if math.Abs(got-128500) > 2000 {
		t.Fatalf("distance off: got %.0f m", got)
	}
}

func TestDistanceZero(t *testing.T) {
	p := Coordinates{Latitude: 12.9716, Longitude: 77.5946}
	if got := Distance(p, p); got != 0 {
		t.Fatalf("same point distance: %g", got)
	}
}

func TestCheckTolerance(t *testing.T) {
	classroom := Coordinates{Latitude: 12.9716, Longitude: 77.5946}
	near := Coordinates{Latitude: 12.97165, Longitude: 77.59465}
	far := Coordinates{Latitude: 12.9816, Longitude: 77.5946}

	c := HaversineChecker{}
	ok, err := c.Check(context.Background(), near, classroom, 100)
	if err != nil || !ok {
		t.Fatalf("near sample rejected: %v %v", ok, err)
	}
	ok, err = c.Check(context.Background(), far, classroom, 100)
	if err != nil || ok {
		t.Fatalf("far sample accepted: %v %v", ok, err)
	}
}

func TestCheckHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Coordinates{Latitude: 1, Longitude: 1}
	if _, err := (HaversineChecker{}).Check(ctx, p, p, 100); err == nil {
		t.Fatal("cancelled context must surface an error")
	}
}
