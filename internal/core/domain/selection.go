package domain

import "time"

// Snapshot is the immutable selection state of one call session. A new value
// is produced for every applied event; readers never see a partial update.
type Snapshot struct {
	SessionID        SessionID  `json:"session_id,omitempty"`
	Version          uint64     `json:"version"`
	Streams          []Stream   `json:"streams"`
	PinnedIDs        []StreamID `json:"pinned_ids"`
	FullscreenID     StreamID   `json:"fullscreen_id,omitempty"`
	CallState        CallState  `json:"call_state"`
	ParticipantCount int        `json:"participant_count"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s *Snapshot) HasStream(id StreamID) bool {
	_, ok := s.FindStream(id)
	return ok
}

func (s *Snapshot) FindStream(id StreamID) (Stream, bool) {
	for _, stream := range s.Streams {
		if stream.ID == id {
			return stream, true
		}
	}
	return Stream{}, false
}

func (s *Snapshot) IsPinned(id StreamID) bool {
	for _, pinned := range s.PinnedIDs {
		if pinned == id {
			return true
		}
	}
	return false
}

func (s *Snapshot) HasFullscreen() bool {
	return s.FullscreenID != ""
}

// Clone returns a deep copy whose slices can be modified freely.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Streams = append([]Stream(nil), s.Streams...)
	c.PinnedIDs = append([]StreamID(nil), s.PinnedIDs...)
	return &c
}

// StreamUpdate is one raw event from the call engine.
type StreamUpdate struct {
	Streams          []Stream  `json:"streams"`
	ParticipantCount int       `json:"participant_count"`
	CallState        CallState `json:"call_state"`
}

// LayoutConstraints are the per-session capacities used to build slot lists.
type LayoutConstraints struct {
	MaxMosaicStreams    int `json:"max_mosaic_streams"`
	MaxThumbnailStreams int `json:"max_thumbnail_streams"`
	ThumbnailSize       int `json:"thumbnail_size"`
}
