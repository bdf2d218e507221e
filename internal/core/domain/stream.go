package domain

import (
	"time"
)

type StreamID string
type SessionID string

// Stream is a read-only copy of one active stream as reported by the call engine.
type Stream struct {
	ID            StreamID  `json:"id"`
	UserID        UserID    `json:"user_id,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	IsLocal       bool      `json:"is_local"`
	HasVideo      bool      `json:"has_video"`
	IsScreenShare bool      `json:"is_screen_share"`
	IsBackCamera  bool      `json:"is_back_camera,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s Stream) IsRemoteScreenShare() bool {
	return !s.IsLocal && s.IsScreenShare
}

func (s Stream) IsLocalScreenShare() bool {
	return s.IsLocal && s.IsScreenShare
}

func (s Stream) IsRemoteCamera() bool {
	return !s.IsLocal && !s.IsScreenShare
}

func (s Stream) IsLocalCamera() bool {
	return s.IsLocal && !s.IsScreenShare
}

// Preview projects the stream into the summary shown inside an overflow slot.
func (s Stream) Preview() UserPreview {
	return UserPreview{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Avatar:      s.Avatar,
	}
}

// UserPreview identifies a participant hidden behind an overflow slot.
type UserPreview struct {
	ID          StreamID `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
}

// StreamIDs returns the ids of streams in input order.
func StreamIDs(streams []Stream) []StreamID {
	ids := make([]StreamID, 0, len(streams))
	for _, s := range streams {
		ids = append(ids, s.ID)
	}
	return ids
}
