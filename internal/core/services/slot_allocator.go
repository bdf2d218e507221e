package services

import (
	"sort"

	"callgrid/internal/core/domain"
)

// SlotAllocator turns a stream set and selection hints into an ordered slot
// list. All methods are pure.
type SlotAllocator struct{}

func NewSlotAllocator() *SlotAllocator {
	return &SlotAllocator{}
}

// BuildFeatured places the featured streams first, in featuredIDs order, then
// up to capacity other streams. When the others do not fit, capacity-1 of
// them stay visible and the rest are summarised by one overflow slot.
func (sa *SlotAllocator) BuildFeatured(streams []domain.Stream, featuredIDs []domain.StreamID, capacity int, featuredState domain.SlotState) []domain.SlotItem {
	if capacity < 0 || len(featuredIDs) == 0 {
		return []domain.SlotItem{}
	}
	if !featuredState.IsFeatured() {
		featuredState = domain.SlotStateFeatured
	}

	rank := make(map[domain.StreamID]int, len(featuredIDs))
	for i, id := range featuredIDs {
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}

	var featured, others []domain.Stream
	for _, s := range uniqueStreams(streams) {
		if _, ok := rank[s.ID]; ok {
			featured = append(featured, s)
		} else {
			others = append(others, s)
		}
	}

	sort.SliceStable(featured, func(i, j int) bool {
		return rank[featured[i].ID] < rank[featured[j].ID]
	})

	var visible, hidden []domain.Stream
	switch {
	case capacity == 0:
	case len(others) <= capacity:
		visible = others
	default:
		visible = others[:capacity-1]
		hidden = others[capacity-1:]
	}

	items := make([]domain.SlotItem, 0, len(featured)+len(visible)+1)
	for _, s := range featured {
		items = append(items, domain.StreamSlot(s, featuredState))
	}
	for _, s := range visible {
		items = append(items, domain.StreamSlot(s, domain.SlotStateStandard))
	}
	if len(hidden) > 0 {
		items = append(items, domain.OverflowSlot(previews(hidden)))
	}
	return items
}

// BuildMosaic shows every stream with equal weight and the local stream last.
// Above maxStreams the local streams stay visible and the remote streams that
// do not fit move into the overflow slot.
func (sa *SlotAllocator) BuildMosaic(streams []domain.Stream, maxStreams int) []domain.SlotItem {
	streams = uniqueStreams(streams)
	if len(streams) == 0 || maxStreams < 1 {
		return []domain.SlotItem{}
	}

	var remote, local []domain.Stream
	for _, s := range streams {
		if s.IsLocal {
			local = append(local, s)
		} else {
			remote = append(remote, s)
		}
	}

	if len(streams) <= maxStreams {
		items := make([]domain.SlotItem, 0, len(streams))
		for _, s := range remote {
			items = append(items, domain.StreamSlot(s, domain.SlotStateStandard))
		}
		for _, s := range local {
			items = append(items, domain.StreamSlot(s, domain.SlotStateStandard))
		}
		return items
	}

	visibleRemote := maxStreams - len(local) - 1
	if visibleRemote < 0 {
		visibleRemote = 0
	}
	if visibleRemote > len(remote) {
		visibleRemote = len(remote)
	}

	items := make([]domain.SlotItem, 0, visibleRemote+len(local)+1)
	for _, s := range remote[:visibleRemote] {
		items = append(items, domain.StreamSlot(s, domain.SlotStateStandard))
	}
	for _, s := range local {
		items = append(items, domain.StreamSlot(s, domain.SlotStateStandard))
	}
	if hidden := remote[visibleRemote:]; len(hidden) > 0 {
		items = append(items, domain.OverflowSlot(previews(hidden)))
	}
	return items
}

// BuildFullscreen returns the single fullscreen slot for id, or an empty list
// when no stream carries it.
func (sa *SlotAllocator) BuildFullscreen(streams []domain.Stream, id domain.StreamID) []domain.SlotItem {
	for _, s := range streams {
		if s.ID == id {
			return []domain.SlotItem{domain.StreamSlot(s, domain.SlotStateFullscreen)}
		}
	}
	return []domain.SlotItem{}
}

// uniqueStreams keeps the first occurrence of every stream id.
func uniqueStreams(streams []domain.Stream) []domain.Stream {
	seen := make(map[domain.StreamID]struct{}, len(streams))
	out := make([]domain.Stream, 0, len(streams))
	for _, s := range streams {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

func previews(streams []domain.Stream) []domain.UserPreview {
	out := make([]domain.UserPreview, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Preview())
	}
	return out
}
