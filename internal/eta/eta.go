package eta

import (
	"time"

	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
)

// Speeds holds the average-speed heuristic per ride category, in km/h.
// These are display constants with no traffic awareness; the backend is
// the only authority on real arrival times.
type Speeds struct {
	CityKmh      float64
	HighwayKmh   float64
	IntercityKmh float64
}

// DefaultSpeeds matches the congested-city default with faster
// assumptions for highway and intercity categories.
func DefaultSpeeds() Speeds {
	return Speeds{CityKmh: 22, HighwayKmh: 60, IntercityKmh: 60}
}

func (s Speeds) forCategory(c models.RideCategory) float64 {
	switch c {
	case models.CategoryHighway:
		return s.HighwayKmh
	case models.CategoryIntercity:
		return s.IntercityKmh
	default:
		return s.CityKmh
	}
}

// EstimateSeconds returns the straight-line travel estimate between two
// points for the given category.
func (s Speeds) EstimateSeconds(from, to models.Coord, category models.RideCategory) float64 {
	kmh := s.forCategory(category)
	if kmh <= 0 {
		kmh = 22
	}
	mps := kmh * 1000 / 3600
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return d / mps
}

// EstimateArrival converts the estimate into a duration rounded to the
// nearest second for display.
func (s Speeds) EstimateArrival(from, to models.Coord, category models.RideCategory) time.Duration {
	sec := s.EstimateSeconds(from, to, category)
	return time.Duration(sec * float64(time.Second)).Round(time.Second)
}
