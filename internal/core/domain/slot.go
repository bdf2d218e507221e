package domain

// OverflowSlotID is the stable id of the overflow slot in a slot list.
const OverflowSlotID = "overflow"

type SlotKind string

const (
	SlotKindStream   SlotKind = "stream"
	SlotKindOverflow SlotKind = "overflow"
)

type SlotState string

const (
	SlotStateStandard   SlotState = "standard"
	SlotStateFeatured   SlotState = "featured"
	SlotStatePinned     SlotState = "pinned"
	SlotStateFullscreen SlotState = "fullscreen"
	SlotStateThumbnail  SlotState = "thumbnail"
)

// IsFeatured reports whether the state is featured or one of its sub-states.
func (s SlotState) IsFeatured() bool {
	return s == SlotStateFeatured || s == SlotStatePinned || s == SlotStateFullscreen
}

// SlotItem is one logical cell of a layout. Exactly one of Stream or Hidden
// is meaningful, depending on Kind.
type SlotItem struct {
	Kind   SlotKind      `json:"kind"`
	Stream *Stream       `json:"stream,omitempty"`
	State  SlotState     `json:"state,omitempty"`
	Hidden []UserPreview `json:"hidden,omitempty"`
}

func StreamSlot(stream Stream, state SlotState) SlotItem {
	return SlotItem{
		Kind:   SlotKindStream,
		Stream: &stream,
		State:  state,
	}
}

func OverflowSlot(hidden []UserPreview) SlotItem {
	return SlotItem{
		Kind:   SlotKindOverflow,
		Hidden: hidden,
	}
}

// ID returns the stream id for stream slots and OverflowSlotID otherwise.
func (i SlotItem) ID() string {
	if i.Kind == SlotKindStream && i.Stream != nil {
		return string(i.Stream.ID)
	}
	return OverflowSlotID
}

func (i SlotItem) IsOverflow() bool {
	return i.Kind == SlotKindOverflow
}

func (i SlotItem) IsFeatured() bool {
	return i.Kind == SlotKindStream && i.State.IsFeatured()
}
