package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-signaling/internal/loop"
	"go-signaling/internal/models"
	"go-signaling/internal/store"
)

// DefaultStaleAfter is how old an active record for this surface's room may
// get before the surface assumes its writer is gone and takes the call over.
// Live owners rewrite the record on every sweep.
const DefaultStaleAfter = 15 * time.Second

type Options struct {
	Self    string
	Room    string
	Surface string

	Out         Sender
	Media       MediaProvider
	Negotiators NegotiatorFactory
	Store       *store.Store
	Presence    Presence
	UI          UI
	Navigator   Navigator
	Loop        *loop.Loop

	StaleAfter time.Duration
	Now        func() time.Time
}

// Manager owns at most one call session for a surface.
type Manager struct {
	self    string
	room    string
	surface string

	out         Sender
	media       MediaProvider
	negotiators NegotiatorFactory
	store       *store.Store
	presence    Presence
	ui          UI
	nav         Navigator
	loop        *loop.Loop

	staleAfter time.Duration
	now        func() time.Time
	ctx        context.Context

	state  State
	sess   *session
	epoch  uint64
	mirror *store.Record
}

func NewManager(ctx context.Context, o Options) *Manager {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Manager{
		self:        o.Self,
		room:        o.Room,
		surface:     o.Surface,
		out:         o.Out,
		media:       o.Media,
		negotiators: o.Negotiators,
		store:       o.Store,
		presence:    o.Presence,
		ui:          o.UI,
		nav:         o.Navigator,
		loop:        o.Loop,
		staleAfter:  o.StaleAfter,
		now:         o.Now,
		ctx:         ctx,
	}
}

// State is the local session state. A surface mirroring a call owned by
// another surface is Idle; see View.
func (m *Manager) State() State { return m.state }

// View is what the surface shows: the local state, or the state of the call
// mirrored from another surface.
func (m *Manager) View() State {
	if m.sess != nil || m.mirror == nil {
		return m.state
	}
	if m.mirror.Type == store.RecordIncoming && !m.mirror.Accepted {
		return RingingIncoming
	}
	return Active
}

// Mirror returns the record of a call shown but owned by another surface.
func (m *Manager) Mirror() *store.Record { return m.mirror }

// Peers lists the remote members of the local session.
func (m *Manager) Peers() []string {
	if m.sess == nil {
		return nil
	}
	return m.sess.peerNames()
}

// PeerState reports the negotiation sub-state of one peer.
func (m *Manager) PeerState(peer string) (PeerState, bool) {
	if m.sess == nil {
		return 0, false
	}
	pc, ok := m.sess.peers[peer]
	if !ok {
		return 0, false
	}
	return pc.state, true
}

// SetMuted pauses or resumes one kind of local media for the rest of the
// call. Only a session already holding local media can be toggled.
func (m *Manager) SetMuted(kind string, muted bool) error {
	if kind != AudioKind && kind != VideoKind {
		return fmt.Errorf("%w: %q", ErrMediaKind, kind)
	}
	s := m.sess
	if s == nil || s.local == nil {
		return ErrNoMedia
	}
	t, ok := s.local.(Mutable)
	if !ok || !t.SetMuted(kind, muted) {
		return fmt.Errorf("%w: no %s track", ErrNoMedia, kind)
	}
	if s.muted == nil {
		s.muted = make(map[string]bool)
	}
	s.muted[kind] = muted
	slog.Info("[CALL] Local media toggled", "kind", kind, "muted", muted)
	return nil
}

// Muted reports whether kind is paused in the local session.
func (m *Manager) Muted(kind string) bool {
	return m.sess != nil && m.sess.muted[kind]
}

// Commands

func (m *Manager) StartCall(peer string) error {
	if peer == "" || peer == m.self {
		return ErrSelfCall
	}
	if m.sess != nil || m.busyElsewhere("") {
		return ErrBusy
	}
	if !m.presence.Online(peer) {
		return ErrPeerOffline
	}
	m.startOutgoing([]string{peer}, false)
	return nil
}

// StartGroupCall calls everyone currently online.
func (m *Manager) StartGroupCall() error {
	if m.sess != nil || m.busyElsewhere("") {
		return ErrBusy
	}
	var peers []string
	for _, u := range m.presence.OnlineUsers() {
		if u != m.self {
			peers = append(peers, u)
		}
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}
	m.startOutgoing(peers, true)
	return nil
}

func (m *Manager) Accept() error {
	s := m.sess
	if s == nil {
		if m.mirror != nil && m.mirror.Type == store.RecordIncoming && !m.mirror.Accepted {
			return m.acceptElsewhere()
		}
		return ErrNotRinging
	}
	if m.state != RingingIncoming {
		return ErrNotRinging
	}

	slog.Info("[CALL] Accepting call", "from", s.from, "room", s.room, "group", s.group)
	s.peers[s.from] = &peerContext{name: s.from}
	m.setState(Negotiating)
	m.acquire(s, func(media Media, err error) { m.acceptMedia(s, media, err) })
	return nil
}

func (m *Manager) Reject() error {
	s := m.sess
	if s == nil {
		if m.mirror != nil && m.mirror.Type == store.RecordIncoming {
			rec := m.mirror
			m.send(models.Event{Type: string(models.KindReject), To: rec.From, Room: rec.Room, IsGroupCall: rec.IsGroup})
			m.mirror = nil
			m.clearRecord()
			m.ui.CallEnded("rejected")
			return nil
		}
		return ErrNotRinging
	}
	if m.state != RingingIncoming {
		return ErrNotRinging
	}

	slog.Info("[CALL] Rejecting call", "from", s.from, "room", s.room)
	m.emit(s, models.Event{Type: string(models.KindReject), To: s.from})
	m.end(false, "rejected")
	return nil
}

// Hangup ends whatever call the surface shows. It is a no-op when Idle.
func (m *Manager) Hangup() error {
	s := m.sess
	if s == nil {
		if m.mirror != nil {
			if m.mirror.Type == store.RecordIncoming && !m.mirror.Accepted {
				return m.Reject()
			}
			m.hangupElsewhere()
		}
		return nil
	}

	switch m.state {
	case RingingIncoming:
		return m.Reject()
	case Ending:
		return nil
	case RingingOutgoing:
		for _, name := range s.peerNames() {
			if pc := s.peers[name]; pc != nil && pc.state == PeerNegotiating {
				m.emit(s, models.Event{Type: string(models.KindMissedCall), To: name})
			}
		}
	}
	m.end(true, "hangup")
	return nil
}

// Inbound events

// HandleEvent ingests a routed event. Kinds that are not call signaling are
// ignored.
func (m *Manager) HandleEvent(ev models.Event) {
	from := ev.Sender()
	if from == "" || from == m.self {
		return
	}
	if ev.To != "" && ev.To != m.self {
		return
	}

	switch ev.Kind() {
	case models.KindOffer:
		m.onOffer(from, ev)
	case models.KindAnswer:
		m.onAnswer(from, ev)
	case models.KindICE:
		m.onICE(from, ev)
	case models.KindEndCall:
		m.onEndCall(from)
	case models.KindReject:
		m.onReject(from, ev.Reason)
	}
}

// PeerPresence reacts to a presence change of user.
func (m *Manager) PeerPresence(user string, online bool) {
	s := m.sess
	if online || s == nil || !s.member(user) {
		return
	}

	slog.Info("[CALL] Peer went offline", "peer", user, "state", m.state)
	switch {
	case m.state == RingingIncoming:
		m.ui.MissedCall(user)
		m.end(false, "caller offline")
	case s.group && len(s.peers) > 1:
		m.dropPeer(user, "offline")
	default:
		m.end(true, "peer offline")
	}
}

func (m *Manager) onOffer(from string, ev models.Event) {
	if ev.Offer == nil {
		slog.Warn("[CALL] Offer without description", "from", from)
		return
	}
	room := ev.Room
	if room == "" {
		room = m.room
	}

	s := m.sess
	switch {
	case s == nil:
		if m.busyElsewhere(from) {
			m.rejectBusy(from, ev)
			return
		}
		m.ring(from, room, ev.IsGroupCall, *ev.Offer)

	case m.state == RingingIncoming && s.from == from:
		// Caller restarted before we answered.
		s.offer = ev.Offer
		s.pendingICE = nil
		m.persist()

	case (m.state == Negotiating || m.state == Active) && s.member(from):
		if s.local == nil {
			// Media still pending; the accept continuation answers the latest offer.
			s.offer = ev.Offer
			return
		}
		slog.Info("[CALL] Renegotiating", "peer", from)
		if m.answerPeer(s, from, *ev.Offer) && m.state == Negotiating {
			m.setState(Active)
			m.persist()
		}

	default:
		m.rejectBusy(from, ev)
	}
}

func (m *Manager) rejectBusy(from string, ev models.Event) {
	slog.Info("[CALL] Busy, rejecting offer", "from", from, "state", m.state)
	m.send(models.Event{
		Type:        string(models.KindReject),
		To:          from,
		Room:        ev.Room,
		IsGroupCall: ev.IsGroupCall,
		Reason:      "busy",
	})
}

func (m *Manager) onAnswer(from string, ev models.Event) {
	s := m.sess
	if s == nil || ev.Answer == nil {
		return
	}
	if m.state != RingingOutgoing && m.state != Negotiating && m.state != Active {
		return
	}
	pc := s.peers[from]
	if pc == nil || pc.neg == nil || pc.remoteSet {
		return
	}

	if err := pc.neg.SetAnswer(*ev.Answer); err != nil {
		m.peerFailed(from, err)
		return
	}
	pc.remoteSet = true
	pc.state = PeerActive
	m.flush(s, pc, pc.pending)

	slog.Info("[CALL] Peer answered", "peer", from, "room", s.room)
	if m.sess == s {
		m.setState(Active)
		m.persist()
		m.ui.CallWindow(s.peerNames(), s.group)
	}
}

func (m *Manager) onICE(from string, ev models.Event) {
	s := m.sess
	if s == nil || ev.Candidate == nil {
		return
	}
	if m.state == RingingIncoming {
		if s.from == from {
			s.pendingICE = append(s.pendingICE, *ev.Candidate)
		}
		return
	}

	pc := s.peers[from]
	if pc == nil {
		slog.Debug("[CALL] Candidate for unknown peer", "peer", from)
		return
	}
	if pc.neg == nil || !pc.remoteSet {
		pc.pending = append(pc.pending, *ev.Candidate)
		return
	}
	m.applyCandidate(pc, *ev.Candidate)
}

func (m *Manager) onEndCall(from string) {
	s := m.sess
	if s == nil || !s.member(from) {
		return
	}

	slog.Info("[CALL] Remote ended call", "peer", from, "state", m.state)
	switch {
	case m.state == RingingIncoming:
		m.ui.MissedCall(from)
		m.end(false, "caller cancelled")
	case s.group && len(s.peers) > 1:
		m.dropPeer(from, "left")
	default:
		m.end(false, "remote ended")
	}
}

func (m *Manager) onReject(from, reason string) {
	s := m.sess
	if s == nil || !s.member(from) {
		return
	}
	if reason == "" {
		reason = "rejected"
	}

	slog.Info("[CALL] Call rejected", "peer", from, "reason", reason)
	switch {
	case m.state == RingingIncoming:
		m.end(false, "caller cancelled")
	case s.group && len(s.peers) > 1:
		m.dropPeer(from, reason)
	default:
		m.end(false, reason)
	}
}

// Transitions

func (m *Manager) newSession(room string, group, initiator bool) *session {
	m.epoch++
	ctx, cancel := context.WithCancel(m.ctx)
	return &session{
		id:        m.epoch,
		group:     group,
		room:      room,
		initiator: initiator,
		createdAt: m.now(),
		peers:     make(map[string]*peerContext),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) startOutgoing(peers []string, group bool) {
	s := m.newSession(m.room, group, true)
	for _, p := range peers {
		s.peers[p] = &peerContext{name: p}
	}
	m.sess = s
	m.mirror = nil

	slog.Info("[CALL] Starting call", "peers", peers, "room", s.room, "group", group)
	m.setState(RingingOutgoing)
	m.persist()
	m.ui.CallWindow(s.peerNames(), group)
	m.acquire(s, func(media Media, err error) { m.outgoingMedia(s, media, err) })
}

func (m *Manager) ring(from, room string, group bool, offer models.SessionDescription) {
	s := m.newSession(room, group, false)
	s.from = from
	s.offer = &offer
	m.sess = s
	m.mirror = nil

	slog.Info("[CALL] Incoming call", "from", from, "room", room, "group", group)
	m.setState(RingingIncoming)
	m.persist()
	m.ui.IncomingCall(from, group)
}

func (m *Manager) outgoingMedia(s *session, media Media, err error) {
	if err != nil {
		m.ui.CallFailed(fmt.Errorf("%w: %v", ErrMedia, err))
		m.end(true, "media failed")
		return
	}
	s.local = media

	for _, name := range s.peerNames() {
		pc := s.peers[name]
		if pc == nil {
			continue
		}
		m.offerPeer(s, pc)
		if m.sess != s {
			return
		}
	}
}

func (m *Manager) acceptMedia(s *session, media Media, err error) {
	if m.state != Negotiating {
		if err == nil {
			m.media.Release(media)
		}
		return
	}
	if err != nil {
		m.ui.CallFailed(fmt.Errorf("%w: %v", ErrMedia, err))
		m.emit(s, models.Event{Type: string(models.KindReject), To: s.from})
		m.end(false, "media failed")
		return
	}
	s.local = media

	if !m.answerPeer(s, s.from, *s.offer) {
		return
	}
	m.setState(Active)
	m.persist()
	m.ui.CallWindow(s.peerNames(), s.group)
}

// offerPeer (re)builds pc's negotiation context and sends it an offer.
func (m *Manager) offerPeer(s *session, pc *peerContext) {
	if pc.neg != nil {
		pc.neg.Close()
		pc.neg = nil
	}
	pc.state, pc.remoteSet, pc.pending = PeerNegotiating, false, nil

	neg, err := m.negotiators.New(pc.name, s.local, m.callbacks(s, pc))
	var offer models.SessionDescription
	if err == nil {
		offer, err = neg.CreateOffer(s.ctx)
	}
	if err != nil {
		if neg != nil {
			neg.Close()
		}
		m.peerFailed(pc.name, err)
		return
	}
	pc.neg = neg

	m.emit(s, models.Event{Type: string(models.KindOffer), To: pc.name, Offer: &offer})
}

// answerPeer (re)builds peer's context from a remote offer and sends the
// answer. It reports false if negotiation failed.
func (m *Manager) answerPeer(s *session, peer string, offer models.SessionDescription) bool {
	pc := s.peers[peer]
	if pc == nil {
		pc = &peerContext{name: peer}
		s.peers[peer] = pc
	}
	if pc.neg != nil {
		pc.neg.Close()
		pc.neg = nil
	}
	pc.state, pc.remoteSet = PeerNegotiating, false

	neg, err := m.negotiators.New(peer, s.local, m.callbacks(s, pc))
	var answer models.SessionDescription
	if err == nil {
		answer, err = neg.Accept(s.ctx, offer)
	}
	if err != nil {
		if neg != nil {
			neg.Close()
		}
		m.peerFailed(peer, err)
		return false
	}
	pc.neg = neg
	pc.remoteSet = true
	pc.state = PeerActive

	pending := pc.pending
	if peer == s.from {
		pending = append(s.pendingICE, pending...)
		s.pendingICE = nil
	}
	pc.pending = nil

	m.emit(s, models.Event{Type: string(models.KindAnswer), To: peer, Answer: &answer})
	m.flush(s, pc, pending)
	return m.sess == s
}

func (m *Manager) flush(s *session, pc *peerContext, pending []models.ICECandidate) {
	pc.pending = nil
	for _, c := range pending {
		if m.sess != s || s.peers[pc.name] != pc {
			return
		}
		m.applyCandidate(pc, c)
	}
}

func (m *Manager) applyCandidate(pc *peerContext, c models.ICECandidate) {
	if err := pc.neg.AddCandidate(c); err != nil {
		m.peerFailed(pc.name, fmt.Errorf("add candidate: %w", err))
	}
}

// callbacks binds a negotiator's events to this session and peer context.
// Events from a context that has since been replaced are dropped.
func (m *Manager) callbacks(s *session, pc *peerContext) Callbacks {
	pc.gen++
	gen := pc.gen
	post := func(fn func()) {
		m.loop.Post(func() {
			if m.sess == s && s.peers[pc.name] == pc && pc.gen == gen {
				fn()
			}
		})
	}

	return Callbacks{
		OnCandidate: func(c models.ICECandidate) {
			post(func() {
				m.emit(s, models.Event{Type: string(models.KindICE), To: pc.name, Candidate: &c})
			})
		},
		OnRemoteTrack: func(kind string) {
			post(func() { m.ui.RemoteMedia(pc.name, kind) })
		},
		OnFailed: func(err error) {
			post(func() { m.peerFailed(pc.name, err) })
		},
	}
}

func (m *Manager) peerFailed(peer string, err error) {
	s := m.sess
	if s == nil {
		return
	}
	slog.Warn("[CALL] Negotiation failed", "peer", peer, "group", s.group, "error", err)

	if s.group && len(s.peers) > 1 {
		m.dropPeer(peer, "negotiation failed")
		return
	}
	m.ui.CallFailed(err)
	m.end(true, "negotiation failed")
}

func (m *Manager) dropPeer(peer, reason string) {
	s := m.sess
	pc := s.peers[peer]
	if pc == nil {
		return
	}
	if pc.neg != nil {
		pc.neg.Close()
	}
	delete(s.peers, peer)
	slog.Info("[CALL] Peer dropped", "peer", peer, "reason", reason, "remaining", len(s.peers))

	if len(s.peers) == 0 {
		m.end(false, "all peers left")
		return
	}
	m.persist()
	m.ui.CallWindow(s.peerNames(), s.group)
}

// end tears the session down: optionally tells every peer, closes every
// context, releases local media and clears the shared record.
func (m *Manager) end(emit bool, reason string) {
	s := m.sess
	if s == nil || m.state == Ending {
		return
	}
	m.setState(Ending)
	if emit {
		for _, name := range s.peerNames() {
			m.emit(s, models.Event{Type: string(models.KindEndCall), To: name})
		}
	}
	m.teardown(s)
	m.clearRecord()
	m.sess = nil
	m.setState(Idle)
	m.ui.CallEnded(reason)
	slog.Info("[CALL] Call ended", "room", s.room, "reason", reason, "duration", m.now().Sub(s.createdAt))
}

// yield drops the local session without telling peers or touching the
// record, because another surface now owns the call.
func (m *Manager) yield(reason string, rec *store.Record) {
	s := m.sess
	if s == nil {
		return
	}
	slog.Info("[CALL] Yielding call to another surface", "room", s.room, "reason", reason)
	m.setState(Ending)
	m.teardown(s)
	m.sess = nil
	m.setState(Idle)
	m.ui.CallEnded(reason)
	if rec != nil {
		m.showMirror(rec)
	}
}

func (m *Manager) teardown(s *session) {
	s.cancel()
	for _, pc := range s.peers {
		if pc.neg != nil {
			pc.neg.Close()
			pc.neg = nil
		}
	}
	if s.local != nil {
		m.media.Release(s.local)
		s.local = nil
	}
}

// acquire captures media off-loop and hands the result to then on the loop,
// unless the session has ended or changed meanwhile, in which case the
// media is released.
func (m *Manager) acquire(s *session, then func(Media, error)) {
	id, ctx := s.id, s.ctx
	go func() {
		media, err := m.media.Acquire(ctx)
		posted := m.loop.Post(func() {
			if m.sess == nil || m.sess.id != id || m.sess.local != nil {
				if err == nil {
					m.media.Release(media)
				}
				return
			}
			then(media, err)
		})
		if !posted && err == nil {
			m.media.Release(media)
		}
	}()
}

// Helpers

func (m *Manager) setState(st State) {
	if m.state == st {
		return
	}
	slog.Debug("[CALL] State change", "from", m.state, "to", st, "room", m.room)
	m.state = st
	m.ui.StateChanged(st)
}

// emit sends a call event stamped with the session's room and kind.
func (m *Manager) emit(s *session, ev models.Event) {
	ev.Room = s.room
	ev.IsGroupCall = s.group
	m.send(ev)
}

func (m *Manager) send(ev models.Event) {
	if err := m.out.Send(ev); err != nil {
		slog.Warn("[CALL] Failed to send", "type", ev.Type, "to", ev.To, "error", err)
	}
}
