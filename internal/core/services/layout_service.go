package services

import (
	"context"
	"sort"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/tracing"

	"go.uber.org/zap"
)

type LayoutConfig struct {
	// ThumbnailSize is the strip reserved beside featured slots, in pixels.
	ThumbnailSize int
	// StripThreshold lays out up to this many slots as a single row or column.
	// Zero disables strips.
	StripThreshold int
	// BackCameraFeatured ranks the local back camera above remote cameras.
	BackCameraFeatured bool
}

// LayoutService picks the allocation policy for a snapshot and solves the
// grid for the resulting slots.
type LayoutService struct {
	solver    *GridSolver
	allocator *SlotAllocator
	cfg       LayoutConfig
	metrics   ports.LayoutMetrics
	logger    *zap.SugaredLogger
}

func NewLayoutService(
	solver *GridSolver,
	allocator *SlotAllocator,
	cfg LayoutConfig,
	metrics ports.LayoutMetrics,
	logger *zap.SugaredLogger,
) *LayoutService {
	if cfg.ThumbnailSize < 0 {
		cfg.ThumbnailSize = 0
	}
	return &LayoutService{
		solver:    solver,
		allocator: allocator,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

func (ls *LayoutService) Compute(ctx context.Context, req domain.LayoutRequest) *domain.Layout {
	snap := req.Snapshot
	if snap == nil {
		snap = &domain.Snapshot{}
	}

	ctx, span := tracing.TraceLayout(ctx, string(snap.SessionID), string(req.Mode))
	defer span.End()
	start := time.Now()

	items := ls.allocate(snap, req)

	featured := 0
	for _, item := range items {
		if item.IsFeatured() {
			featured++
		}
	}

	layout := &domain.Layout{
		SessionID:     snap.SessionID,
		Version:       snap.Version,
		Mode:          req.Mode,
		Items:         items,
		FeaturedCount: featured,
		Viewport:      req.Viewport,
		Grid:          ls.solveGrid(req.Viewport, len(items), featured),
	}

	tracing.AddSpanAttributes(ctx,
		tracing.SlotCountKey.Int(len(items)),
		tracing.GridRowsKey.Int(layout.Grid.Rows),
		tracing.GridColsKey.Int(layout.Grid.Cols),
		tracing.VersionKey.Int64(int64(snap.Version)),
	)
	if ls.metrics != nil {
		ls.metrics.RecordLayout(req.Mode, len(items), time.Since(start))
	}

	return layout
}

func (ls *LayoutService) allocate(snap *domain.Snapshot, req domain.LayoutRequest) []domain.SlotItem {
	if snap.HasFullscreen() {
		if items := ls.allocator.BuildFullscreen(snap.Streams, snap.FullscreenID); len(items) > 0 {
			return items
		}
	}

	if len(snap.PinnedIDs) > 0 {
		return ls.allocator.BuildFeatured(snap.Streams, snap.PinnedIDs, req.Constraints.MaxThumbnailStreams, domain.SlotStatePinned)
	}

	if req.Mode != domain.LayoutModeManual && ls.shouldArrangeByPriority(snap, req) {
		sorted := ls.sortByPriority(snap.Streams, req.PreviousFeaturedID)
		if len(sorted) > 0 {
			return ls.allocator.BuildFeatured(sorted, []domain.StreamID{sorted[0].ID}, req.Constraints.MaxThumbnailStreams, domain.SlotStateFeatured)
		}
	}

	return ls.allocator.BuildMosaic(snap.Streams, req.Constraints.MaxMosaicStreams)
}

// shouldArrangeByPriority features one stream in one-to-one calls and while
// a remote screen share is active.
func (ls *LayoutService) shouldArrangeByPriority(snap *domain.Snapshot, req domain.LayoutRequest) bool {
	remoteShares := 0
	for _, s := range snap.Streams {
		if s.IsRemoteScreenShare() {
			remoteShares++
		}
	}

	oneToOne := snap.ParticipantCount == 2
	return oneToOne || remoteShares == 1 || (remoteShares > 1 && req.PreviousRemoteScreenShares != 0)
}

func (ls *LayoutService) sortByPriority(streams []domain.Stream, previousFeatured domain.StreamID) []domain.Stream {
	sorted := uniqueStreams(streams)

	rank := func(s domain.Stream) int {
		switch {
		case previousFeatured != "" && s.ID == previousFeatured && s.IsScreenShare:
			return 0
		case s.IsRemoteScreenShare():
			return 1
		case s.IsLocalCamera() && s.IsBackCamera && ls.cfg.BackCameraFeatured:
			return 2
		case s.IsRemoteCamera():
			return 3
		default:
			return 4
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i]) < rank(sorted[j])
	})
	return sorted
}

func (ls *LayoutService) solveGrid(viewport domain.Size, total, featured int) domain.GridPlan {
	count := total
	width, height := viewport.Width, viewport.Height

	if featured > 0 {
		count = featured
		if total > featured && ls.cfg.ThumbnailSize > 0 {
			if width >= height {
				width -= ls.cfg.ThumbnailSize
			} else {
				height -= ls.cfg.ThumbnailSize
			}
		}
	}

	if ls.cfg.StripThreshold > 0 && count > 0 && count <= ls.cfg.StripThreshold {
		return ls.solver.SolveStrip(width, height, count)
	}
	return ls.solver.Solve(width, height, count)
}
