package types

// Island is a MAP-Elites subpopulation. Cells maps a joined feature-coordinate
// key to the id of the best resident program occupying that cell.
type Island struct {
	Index      int
	Residents  map[string]bool
	Cells      map[string]string
	Generation int
	BestID     string
}

// NewIsland creates an empty island with the given index.
func NewIsland(index int) *Island {
	return &Island{
		Index:     index,
		Residents: make(map[string]bool),
		Cells:     make(map[string]string),
	}
}

// FeatureCoord is a tuple of per-dimension bin indices.
type FeatureCoord []int

// DimensionStats tracks the running (min, max) observed for one feature
// dimension, used to normalize values into bins.
type DimensionStats struct {
	Min, Max float64
	Seen     bool
}

// Update folds a new observed value into the running min/max.
func (s *DimensionStats) Update(v float64) {
	if !s.Seen {
		s.Min, s.Max, s.Seen = v, v, true
		return
	}
	if v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
}

// Bin maps v into [0, bins) using clamp(floor((v-min)/(max-min)*bins), 0, bins-1).
func (s DimensionStats) Bin(v float64, bins int) int {
	if bins <= 1 {
		return 0
	}
	span := s.Max - s.Min
	if span <= 0 {
		return 0
	}
	idx := int(((v - s.Min) / span) * float64(bins))
	if idx < 0 {
		idx = 0
	}
	if idx >= bins {
		idx = bins - 1
	}
	return idx
}
