package domain

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsEmpty reports whether the size has no drawable area.
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// GridPlan is the partition of a container into Rows x Cols equal cells.
type GridPlan struct {
	Rows     int  `json:"rows"`
	Cols     int  `json:"cols"`
	ItemSize Size `json:"item_size"`
}

// Capacity is the number of cells in the plan.
func (g GridPlan) Capacity() int {
	return g.Rows * g.Cols
}

// AspectBand bounds the preferred width/height ratio of a grid cell.
type AspectBand struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultAspectBand spans 4:3 to 16:9.
var DefaultAspectBand = AspectBand{Min: 1.33, Max: 1.77}

func (b AspectBand) Contains(ratio float64) bool {
	return ratio >= b.Min && ratio <= b.Max
}

// Distance is how far ratio lies outside the band; zero when inside.
func (b AspectBand) Distance(ratio float64) float64 {
	switch {
	case ratio < b.Min:
		return b.Min - ratio
	case ratio > b.Max:
		return ratio - b.Max
	default:
		return 0
	}
}
