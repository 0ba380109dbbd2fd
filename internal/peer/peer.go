// Package peer backs call negotiation contexts with pion PeerConnections.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"go-signaling/internal/call"
	"go-signaling/internal/models"
)

var ErrConnectionFailed = errors.New("peer: connection failed")

// ICE timeouts are generous so a short relay outage does not end the call.
const (
	disconnectedTimeout = 30 * time.Second
	failedTimeout       = 120 * time.Second
	keepAliveInterval   = 2 * time.Second
)

// Factory creates one PeerConnection per remote peer.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(iceServers []string) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnectedTimeout, failedTimeout, keepAliveInterval)

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// New builds a negotiation context for peer. local is the Tracks returned by
// a Provider; nil means receive only.
func (f *Factory) New(peer string, local call.Media, cb call.Callbacks) (call.Negotiator, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if err := attach(pc, local); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnCandidate == nil {
			return
		}
		j := c.ToJSON()
		cb.OnCandidate(models.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Info("[PEER] Remote track", "peer", peer, "kind", track.Kind(), "codec", track.Codec().MimeType)
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track.Kind().String())
		}
		go drain(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("[PEER] Connection state", "peer", peer, "state", state)
		if state == webrtc.PeerConnectionStateFailed && cb.OnFailed != nil {
			cb.OnFailed(fmt.Errorf("%w: %s", ErrConnectionFailed, peer))
		}
	})

	return &negotiator{peer: peer, pc: pc}, nil
}

func attach(pc *webrtc.PeerConnection, local call.Media) error {
	tracks, ok := local.(*Tracks)
	if !ok || tracks == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	for _, t := range tracks.list() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go readRTCP(sender)
	}
	return nil
}

// readRTCP consumes RTCP so interceptors such as NACK keep working.
func readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if pli, ok := p.(*rtcp.PictureLossIndication); ok {
				slog.Debug("[PEER] Keyframe requested", "ssrc", pli.MediaSSRC)
			}
		}
	}
}

// drain reads remote RTP until the track ends. Playback is up to the
// renderer.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("[PEER] Remote track ended", "kind", track.Kind(), "error", err)
			}
			return
		}
	}
}

type negotiator struct {
	peer string
	pc   *webrtc.PeerConnection
}

func (n *negotiator) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return toWire(offer), nil
}

func (n *negotiator) Accept(ctx context.Context, offer models.SessionDescription) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return toWire(answer), nil
}

func (n *negotiator) SetAnswer(answer models.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (n *negotiator) AddCandidate(c models.ICECandidate) error {
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (n *negotiator) Close() error {
	return n.pc.Close()
}

func toWire(sd webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}
