package services

import (
	"math"

	"callgrid/internal/core/domain"
)

// GridSolver partitions a container into equally sized cells whose aspect
// ratio stays inside a configured band. It holds no state and is safe for
// concurrent use.
type GridSolver struct {
	band domain.AspectBand
}

func NewGridSolver(band domain.AspectBand) *GridSolver {
	if band.Min <= 0 || band.Max < band.Min {
		band = domain.DefaultAspectBand
	}
	return &GridSolver{band: band}
}

func (gs *GridSolver) Band() domain.AspectBand {
	return gs.band
}

// Solve scans column counts from itemCount down to 1 and returns the first
// candidate inside the band. When none qualifies the candidate closest to
// the band wins, earlier candidates winning ties.
func (gs *GridSolver) Solve(containerWidth, containerHeight, itemCount int) domain.GridPlan {
	if containerWidth < 0 {
		containerWidth = 0
	}
	if containerHeight < 0 {
		containerHeight = 0
	}

	if containerWidth == 0 || containerHeight == 0 || itemCount < 1 {
		return domain.GridPlan{
			Rows:     1,
			Cols:     1,
			ItemSize: domain.Size{Width: containerWidth, Height: containerHeight},
		}
	}

	var best domain.GridPlan
	bestDistance := math.Inf(1)

	for cols := itemCount; cols >= 1; cols-- {
		rows := (itemCount + cols - 1) / cols
		candidate := domain.GridPlan{
			Rows: rows,
			Cols: cols,
			ItemSize: domain.Size{
				Width:  containerWidth / cols,
				Height: containerHeight / rows,
			},
		}

		distance := math.Inf(1)
		if candidate.ItemSize.Height > 0 {
			ratio := float64(candidate.ItemSize.Width) / float64(candidate.ItemSize.Height)
			if gs.band.Contains(ratio) {
				return candidate
			}
			distance = gs.band.Distance(ratio)
		}

		if best.Cols == 0 || distance < bestDistance {
			best = candidate
			bestDistance = distance
		}
	}

	return best
}

// SolveStrip lays itemCount cells out in a single row or column following
// the container orientation.
func (gs *GridSolver) SolveStrip(containerWidth, containerHeight, itemCount int) domain.GridPlan {
	if containerWidth <= 0 || containerHeight <= 0 || itemCount < 1 {
		return gs.Solve(containerWidth, containerHeight, itemCount)
	}

	if containerWidth >= containerHeight {
		return domain.GridPlan{
			Rows:     1,
			Cols:     itemCount,
			ItemSize: domain.Size{Width: containerWidth / itemCount, Height: containerHeight},
		}
	}
	return domain.GridPlan{
		Rows:     itemCount,
		Cols:     1,
		ItemSize: domain.Size{Width: containerWidth, Height: containerHeight / itemCount},
	}
}
