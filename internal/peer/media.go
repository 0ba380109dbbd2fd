package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"go-signaling/internal/call"
)

// opusSilence is one 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameInterval = 20 * time.Millisecond

// Tracks is the local media of one call.
type Tracks struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample

	audioMuted atomic.Bool
	videoMuted atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

var _ call.Mutable = (*Tracks)(nil)

// SetMuted pauses or resumes writes to the track of kind. A muted track
// stays negotiated; the remote side just stops receiving samples.
func (t *Tracks) SetMuted(kind string, muted bool) bool {
	switch {
	case kind == call.AudioKind && t.Audio != nil:
		t.audioMuted.Store(muted)
	case kind == call.VideoKind && t.Video != nil:
		t.videoMuted.Store(muted)
	default:
		return false
	}
	slog.Debug("[PEER] Local track muted", "kind", kind, "muted", muted)
	return true
}

func (t *Tracks) Muted(kind string) bool {
	switch kind {
	case call.AudioKind:
		return t.audioMuted.Load()
	case call.VideoKind:
		return t.videoMuted.Load()
	}
	return false
}

func (t *Tracks) list() []*webrtc.TrackLocalStaticSample {
	var out []*webrtc.TrackLocalStaticSample
	if t.Video != nil {
		out = append(out, t.Video)
	}
	if t.Audio != nil {
		out = append(out, t.Audio)
	}
	return out
}

// Stopped reports whether the tracks were released.
func (t *Tracks) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Provider hands out VP8 video and Opus audio sample tracks. A headless
// surface has no capture device; the audio track carries silence so the
// remote side sees a live stream.
type Provider struct {
	Video bool
	Audio bool
}

var _ call.MediaProvider = (*Provider)(nil)

func (p *Provider) Acquire(ctx context.Context) (call.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.Video && !p.Audio {
		return nil, fmt.Errorf("no media kinds enabled")
	}

	stream := uuid.NewString()
	t := &Tracks{stop: make(chan struct{})}
	if p.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		t.Video = video
	}
	if p.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		t.Audio = audio
		go t.silence()
	}

	slog.Debug("[PEER] Local media acquired", "stream", stream, "video", p.Video, "audio", p.Audio)
	return t, nil
}

func (p *Provider) Release(m call.Media) {
	t, ok := m.(*Tracks)
	if !ok || t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stop)
		slog.Debug("[PEER] Local media released")
	})
}

func (t *Tracks) silence() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.audioMuted.Load() {
				continue
			}
			if err := t.Audio.WriteSample(media.Sample{Data: opusSilence, Duration: frameInterval}); err != nil {
				slog.Debug("[PEER] Audio write failed", "error", err)
			}
		}
	}
}
