// Package call implements the per-surface call session manager: the
// signaling state machine for 1:1 and group calls, its per-peer negotiation
// contexts, and the reconciliation of local state with the shared call
// record other surfaces write.
//
// A Manager is driven entirely from its surface loop. Media acquisition is
// the only work done off-loop; its result is posted back and discarded if
// the session it was started for has ended.
package call

import (
	"context"
	"errors"
	"sort"
	"time"

	"go-signaling/internal/models"
)

var (
	ErrBusy        = errors.New("call: a call is already in progress")
	ErrNotRinging  = errors.New("call: no incoming call")
	ErrNoPeers     = errors.New("call: no peers online")
	ErrPeerOffline = errors.New("call: peer is offline")
	ErrMedia       = errors.New("call: media unavailable")
	ErrSelfCall    = errors.New("call: cannot call yourself")
	ErrNoMedia     = errors.New("call: no local media")
	ErrMediaKind   = errors.New("call: unknown media kind")
)

type State int

const (
	Idle State = iota
	RingingIncoming
	RingingOutgoing
	Negotiating
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RingingIncoming:
		return "ringing_incoming"
	case RingingOutgoing:
		return "ringing_outgoing"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// PeerState is the negotiation sub-state of one peer context.
type PeerState int

const (
	PeerNegotiating PeerState = iota
	PeerActive
)

func (s PeerState) String() string {
	if s == PeerActive {
		return "active"
	}
	return "negotiating"
}

// Media is a process-local handle on captured audio and video tracks. Only
// the MediaProvider that returned it and the NegotiatorFactory know its
// concrete type.
type Media any

// MediaProvider captures local tracks. Acquire may block and is never
// called on the surface loop.
type MediaProvider interface {
	Acquire(ctx context.Context) (Media, error)
	Release(m Media)
}

// Local media kinds.
const (
	AudioKind = "audio"
	VideoKind = "video"
)

// Mutable is implemented by Media whose tracks can be paused in place,
// without renegotiating. SetMuted reports false if there is no track of kind.
type Mutable interface {
	SetMuted(kind string, muted bool) bool
}

// Negotiator is one peer's negotiation context.
type Negotiator interface {
	// CreateOffer sets and returns a local offer.
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	// Accept applies a remote offer and returns the local answer.
	Accept(ctx context.Context, offer models.SessionDescription) (models.SessionDescription, error)
	// SetAnswer applies the remote answer to a local offer.
	SetAnswer(answer models.SessionDescription) error
	AddCandidate(c models.ICECandidate) error
	Close() error
}

// Callbacks are invoked by a Negotiator from its own goroutines.
type Callbacks struct {
	OnCandidate   func(c models.ICECandidate)
	OnRemoteTrack func(kind string)
	OnFailed      func(err error)
}

type NegotiatorFactory interface {
	New(peer string, local Media, cb Callbacks) (Negotiator, error)
}

// Sender is the outbound side of the room's channel.
type Sender interface {
	Send(ev models.Event) error
}

// Presence answers who is online. The chat subsystem implements it.
type Presence interface {
	Online(user string) bool
	OnlineUsers() []string
}

// UI receives call view changes. Calls happen on the surface loop.
type UI interface {
	StateChanged(st State)
	IncomingCall(from string, group bool)
	CallWindow(peers []string, group bool)
	RemoteMedia(peer, kind string)
	CallEnded(reason string)
	CallFailed(err error)
	MissedCall(from string)
}

// Navigator opens the surface for another room.
type Navigator interface {
	OpenRoom(room string)
}

type peerContext struct {
	name      string
	gen       int
	state     PeerState
	neg       Negotiator
	remoteSet bool
	pending   []models.ICECandidate
}

type session struct {
	id        uint64
	group     bool
	room      string
	initiator bool
	createdAt time.Time

	// incoming only
	from       string
	offer      *models.SessionDescription
	pendingICE []models.ICECandidate

	peers map[string]*peerContext
	local Media
	muted map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) member(user string) bool {
	if user == "" {
		return false
	}
	if _, ok := s.peers[user]; ok {
		return true
	}
	return s.from == user
}

func (s *session) peerNames() []string {
	names := make([]string, 0, len(s.peers)+1)
	if s.from != "" {
		if _, ok := s.peers[s.from]; !ok {
			names = append(names, s.from)
		}
	}
	for name := range s.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
