package matcher

import (
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func km(v float64) *float64 { return &v }

func TestDirectAssignmentWins(t *testing.T) {
	p := Picker{ContractorID: "me", Broadcast: true}
	jobs := []models.Job{
		{ID: "near", Status: models.StatusPending, DistanceKm: km(0.5)},
		{ID: "mine", Status: models.StatusAssigned, DriverID: "me", DistanceKm: km(9)},
	}
	offer, ok := p.Pick(jobs, nil)
	if !ok {
		t.Fatal("no offer")
	}
	if offer.Job.ID != "mine" || !offer.Direct {
		t.Fatalf("expected direct offer for mine, got %+v", offer)
	}
}

func TestClosestBroadcastThenHigherPrice(t *testing.T) {
	p := Picker{ContractorID: "me", Broadcast: true}
	jobs := []models.Job{
		{ID: "far", Status: models.StatusPending, DistanceKm: km(5), TotalPrice: 500},
		{ID: "cheap", Status: models.StatusPending, DistanceKm: km(1), TotalPrice: 100},
		{ID: "rich", Status: models.StatusPending, DistanceKm: km(1), TotalPrice: 300},
		{ID: "taken", Status: models.StatusAssigned, DriverID: "other", DistanceKm: km(0.1)},
	}
	offer, ok := p.Pick(jobs, nil)
	if !ok {
		t.Fatal("no offer")
	}
	if offer.Job.ID != "rich" || offer.Direct {
		t.Fatalf("expected broadcast offer for rich, got %+v", offer)
	}
}

func TestBroadcastDisabled(t *testing.T) {
	p := Picker{ContractorID: "me"}
	if _, ok := p.Pick([]models.Job{{ID: "a", Status: models.StatusPending}}, nil); ok {
		t.Fatal("expected no offer")
	}
}

func TestMaxDistanceUsesPosition(t *testing.T) {
	lat, lng := 40.7306, -73.9352
	p := Picker{Broadcast: true, MaxDistanceKm: 1}
	from := &models.Coord{Lat: 40.7128, Lon: -74.0060}
	jobs := []models.Job{{ID: "a", Status: models.StatusPending, Lat: &lat, Lng: &lng}}
	if _, ok := p.Pick(jobs, from); ok {
		t.Fatal("expected job outside radius to be skipped")
	}
	p.MaxDistanceKm = 10
	if _, ok := p.Pick(jobs, from); !ok {
		t.Fatal("expected job inside radius")
	}
}

func TestSkipsRecentlyResolved(t *testing.T) {
	seen := map[string]bool{"near": true, "mine": true}
	p := Picker{ContractorID: "me", Broadcast: true, Skip: func(id string) bool { return seen[id] }}
	jobs := []models.Job{
		{ID: "mine", Status: models.StatusAssigned, DriverID: "me"},
		{ID: "near", Status: models.StatusPending, DistanceKm: km(1)},
		{ID: "far", Status: models.StatusPending, DistanceKm: km(2)},
	}
	offer, ok := p.Pick(jobs, nil)
	if !ok {
		t.Fatal("no offer")
	}
	if offer.Job.ID != "far" || offer.Direct {
		t.Fatalf("expected broadcast offer for far, got %+v", offer)
	}
}
