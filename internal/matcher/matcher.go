package matcher

import (
	"sort"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// Picker chooses which job from an available-jobs poll becomes the offer.
type Picker struct {
	ContractorID  string
	Broadcast     bool    // offer unassigned jobs too
	MaxDistanceKm float64 // 0 disables the limit

	// Skip, when set, hides jobs the driver has already dealt with.
	Skip func(jobID string) bool
}

// Pick prefers a job the server already assigned to this driver. Otherwise,
// when broadcast offers are enabled, it returns the closest pending job,
// breaking ties by the higher price. from may be nil.
func (p Picker) Pick(jobs []models.Job, from *models.Coord) (models.Offer, bool) {
	for _, j := range jobs {
		if p.skip(j.ID) {
			continue
		}
		if p.ContractorID != "" && j.DriverID == p.ContractorID && j.Status == models.StatusAssigned {
			return models.Offer{Job: j, Direct: true}, true
		}
	}
	if !p.Broadcast {
		return models.Offer{}, false
	}
	type scored struct {
		j    models.Job
		dist float64
	}
	cands := make([]scored, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != models.StatusPending || j.DriverID != "" || p.skip(j.ID) {
			continue
		}
		d, ok := distance(j, from)
		if p.MaxDistanceKm > 0 && ok && d > p.MaxDistanceKm {
			continue
		}
		if !ok {
			d = p.MaxDistanceKm + 1e6 // unknown distance sorts last
		}
		cands = append(cands, scored{j, d})
	}
	if len(cands) == 0 {
		return models.Offer{}, false
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		return cands[a].j.TotalPrice > cands[b].j.TotalPrice
	})
	return models.Offer{Job: cands[0].j}, true
}

func (p Picker) skip(id string) bool {
	return p.Skip != nil && p.Skip(id)
}

func distance(j models.Job, from *models.Coord) (float64, bool) {
	if j.DistanceKm != nil {
		return *j.DistanceKm, true
	}
	loc, ok := j.Location()
	if !ok || from == nil {
		return 0, false
	}
	return geo.DistanceKm(*from, loc), true
}
