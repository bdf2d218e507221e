package domain

import "time"

// PinOptions changes where a pin lands and what happens at capacity.
type PinOptions struct {
	// Prepend inserts at the head instead of the tail.
	Prepend bool `json:"prepend,omitempty"`
	// Force evicts the pin at the opposite end instead of rejecting.
	Force bool `json:"force,omitempty"`
}

type SessionOptions struct {
	ID          SessionID         `json:"id,omitempty"`
	Owner       UserID            `json:"owner,omitempty"`
	Mode        LayoutMode        `json:"mode,omitempty"`
	MaxPinned   int               `json:"max_pinned,omitempty"`
	Constraints LayoutConstraints `json:"constraints"`
}

// SessionInfo describes one call session owned by this instance.
type SessionInfo struct {
	ID          SessionID         `json:"id"`
	Owner       UserID            `json:"owner,omitempty"`
	Mode        LayoutMode        `json:"mode"`
	MaxPinned   int               `json:"max_pinned"`
	Constraints LayoutConstraints `json:"constraints"`
	Snapshot    *Snapshot         `json:"snapshot"`
	CreatedAt   time.Time         `json:"created_at"`
}

// LayoutRequest carries everything a layout pass depends on.
type LayoutRequest struct {
	Snapshot    *Snapshot
	Mode        LayoutMode
	Constraints LayoutConstraints
	Viewport    Size
	// PreviousFeaturedID is the featured stream of the previous auto layout,
	// kept featured while it is still a screen share.
	PreviousFeaturedID StreamID
	// PreviousRemoteScreenShares counts remote screen shares visible in the
	// previous layout.
	PreviousRemoteScreenShares int
}

// Layout is the result of one layout pass: the slot list and its grid.
type Layout struct {
	SessionID     SessionID  `json:"session_id,omitempty"`
	Version       uint64     `json:"version"`
	Mode          LayoutMode `json:"mode"`
	Items         []SlotItem `json:"items"`
	Grid          GridPlan   `json:"grid"`
	FeaturedCount int        `json:"featured_count"`
	Viewport      Size       `json:"viewport"`
}

// FeaturedID returns the first featured stream of the layout, if any.
func (l *Layout) FeaturedID() StreamID {
	for _, item := range l.Items {
		if item.IsFeatured() {
			return item.Stream.ID
		}
	}
	return ""
}

// RemoteScreenShareCount counts visible remote screen share slots.
func (l *Layout) RemoteScreenShareCount() int {
	n := 0
	for _, item := range l.Items {
		if item.Kind == SlotKindStream && item.Stream != nil && item.Stream.IsRemoteScreenShare() {
			n++
		}
	}
	return n
}
