package webrtc

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type videoCodec int

const (
	codecOther videoCodec = iota
	codecVP8
	codecVP9
	codecH264
)

func codecFromMime(mimeType string) videoCodec {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return codecVP8
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return codecVP9
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return codecH264
	default:
		return codecOther
	}
}

type trackActivity struct {
	codec        videoCodec
	lastPacket   time.Time
	lastKeyframe time.Time
	live         bool
}

// VideoActivity tracks whether remote video tracks are delivering decodable
// frames. A track turns live on its first keyframe and stays live while
// packets keep arriving within the timeout. A stalled track needs a new
// keyframe before it is live again.
type VideoActivity struct {
	mu      sync.Mutex
	timeout time.Duration
	tracks  map[string]*trackActivity
	now     func() time.Time
}

func NewVideoActivity(timeout time.Duration) *VideoActivity {
	return &VideoActivity{
		timeout: timeout,
		tracks:  make(map[string]*trackActivity),
		now:     time.Now,
	}
}

func (a *VideoActivity) Register(trackID, mimeType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tracks[trackID]; !ok {
		a.tracks[trackID] = &trackActivity{codec: codecFromMime(mimeType)}
	}
}

// Unregister forgets a track and reports whether it was live.
func (a *VideoActivity) Unregister(trackID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracks[trackID]
	if !ok {
		return false
	}
	delete(a.tracks, trackID)
	return t.live
}

// ProcessPacket records one packet and reports whether the track's
// liveness changed.
func (a *VideoActivity) ProcessPacket(trackID string, packet *rtp.Packet) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tracks[trackID]
	if !ok {
		return false
	}
	now := a.now()
	wasLive := t.live
	if t.live && now.Sub(t.lastPacket) > a.timeout {
		t.live = false
		t.lastKeyframe = time.Time{}
	}
	t.lastPacket = now

	// codecs without keyframe detection count every packet
	if t.codec == codecOther || isKeyframe(t.codec, packet.Payload) {
		t.lastKeyframe = now
	}

	t.live = !t.lastKeyframe.IsZero()
	return wasLive != t.live
}

// IsLive reports whether the track delivered a keyframe and has not stalled.
func (a *VideoActivity) IsLive(trackID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracks[trackID]
	return ok && t.live && a.now().Sub(t.lastPacket) <= a.timeout
}

// AwaitingKeyframe reports whether packets are flowing on the track but no
// keyframe has arrived since it started or stalled.
func (a *VideoActivity) AwaitingKeyframe(trackID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracks[trackID]
	return ok && !t.lastPacket.IsZero() && t.lastKeyframe.IsZero()
}

// Sweep marks stalled tracks as not live and returns them.
func (a *VideoActivity) Sweep() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var stalled []string
	for id, t := range a.tracks {
		if t.live && now.Sub(t.lastPacket) > a.timeout {
			t.live = false
			t.lastKeyframe = time.Time{}
			stalled = append(stalled, id)
		}
	}
	return stalled
}

func isKeyframe(codec videoCodec, payload []byte) bool {
	switch codec {
	case codecVP8:
		return vp8Keyframe(payload)
	case codecVP9:
		return vp9Keyframe(payload)
	case codecH264:
		return h264Keyframe(payload)
	default:
		return false
	}
}

// vp8Keyframe parses the VP8 payload descriptor (RFC 7741) and checks the
// inverse key frame flag of the first partition.
func vp8Keyframe(p []byte) bool {
	if len(p) < 1 {
		return false
	}
	extended := p[0]&0x80 != 0
	start := p[0]&0x10 != 0
	partition := p[0] & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if extended {
		if len(p) < 2 {
			return false
		}
		ext := p[1]
		i = 2
		if ext&0x80 != 0 { // picture id
			if len(p) <= i {
				return false
			}
			if p[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			i++
		}
		if ext&0x30 != 0 { // TID/KEYIDX
			i++
		}
	}
	if len(p) <= i {
		return false
	}
	return p[i]&0x01 == 0
}

// vp9Keyframe checks the flexible/non-flexible descriptor for a
// non-inter-predicted first packet of a frame.
func vp9Keyframe(p []byte) bool {
	if len(p) < 1 {
		return false
	}
	interPredicted := p[0]&0x40 != 0
	beginning := p[0]&0x08 != 0
	return !interPredicted && beginning
}

const (
	h264NALUIDR   = 5
	h264NALUSTAPA = 24
	h264NALUFUA   = 28
)

func h264Keyframe(p []byte) bool {
	if len(p) < 1 {
		return false
	}
	switch p[0] & 0x1F {
	case h264NALUIDR:
		return true
	case h264NALUSTAPA:
		for i := 1; i+2 < len(p); {
			size := int(p[i])<<8 | int(p[i+1])
			i += 2
			if p[i]&0x1F == h264NALUIDR {
				return true
			}
			i += size
		}
	case h264NALUFUA:
		return len(p) >= 2 && p[1]&0x80 != 0 && p[1]&0x1F == h264NALUIDR
	}
	return false
}
