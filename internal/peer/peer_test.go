package peer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go-signaling/internal/call"
	"go-signaling/internal/models"
)

func TestOfferAnswerBetweenContexts(t *testing.T) {
	f, err := NewFactory(nil)
	require.NoError(t, err)

	provider := &Provider{Video: true, Audio: true}
	local, err := provider.Acquire(context.Background())
	require.NoError(t, err)
	defer provider.Release(local)

	caller, err := f.New("B", local, call.Callbacks{})
	require.NoError(t, err)
	defer caller.Close()

	callee, err := f.New("A", nil, call.Callbacks{})
	require.NoError(t, err)
	defer callee.Close()

	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	require.True(t, strings.Contains(offer.SDP, "m=video"))
	require.True(t, strings.Contains(offer.SDP, "m=audio"))

	answer, err := callee.Accept(ctx, offer)
	require.NoError(t, err)
	require.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.SetAnswer(answer))
}

func TestAcceptRejectsMalformedOffer(t *testing.T) {
	f, err := NewFactory([]string{"stun:stun.l.google.com:19302"})
	require.NoError(t, err)

	n, err := f.New("B", nil, call.Callbacks{})
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Accept(context.Background(), models.SessionDescription{Type: "offer", SDP: "garbage"})
	require.Error(t, err)
}

func TestCancelledContextStopsNegotiation(t *testing.T) {
	f, err := NewFactory(nil)
	require.NoError(t, err)

	n, err := f.New("B", nil, call.Callbacks{})
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.CreateOffer(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = (&Provider{Audio: true}).Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReleaseStopsTracksOnce(t *testing.T) {
	p := &Provider{Audio: true}
	m, err := p.Acquire(context.Background())
	require.NoError(t, err)

	tracks := m.(*Tracks)
	require.NotNil(t, tracks.Audio)
	require.Nil(t, tracks.Video)
	require.False(t, tracks.Stopped())

	p.Release(m)
	p.Release(m)
	require.True(t, tracks.Stopped())
}

func TestProviderNeedsAKind(t *testing.T) {
	_, err := (&Provider{}).Acquire(context.Background())
	require.Error(t, err)
}

func TestMuteOnlyExistingTracks(t *testing.T) {
	p := &Provider{Audio: true}
	m, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(m)

	tracks := m.(*Tracks)
	require.True(t, tracks.SetMuted(call.AudioKind, true))
	require.True(t, tracks.Muted(call.AudioKind))
	require.False(t, tracks.SetMuted(call.VideoKind, true))
	require.False(t, tracks.Muted(call.VideoKind))

	require.True(t, tracks.SetMuted(call.AudioKind, false))
	require.False(t, tracks.Muted(call.AudioKind))
}
