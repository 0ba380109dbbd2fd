package call

import (
	"log/slog"
	"slices"

	"go-signaling/internal/models"
	"go-signaling/internal/store"
)

// HandleRecord reconciles local state after a store change notification.
// The notification may be stale by the time it is handled, so the current
// record is re-read and rec is only used if that fails.
func (m *Manager) HandleRecord(rec *store.Record) {
	cur, err := m.store.Load(m.ctx)
	if err != nil {
		slog.Warn("[CALL] Failed to reload call record", "error", err)
		cur = rec
	}
	m.reconcile(cur)
}

// Restore derives this surface's view from the persisted record: on start
// and after every transport reopen.
func (m *Manager) Restore() {
	if m.sess != nil {
		return
	}
	rec, err := m.load()
	if err != nil {
		return
	}
	m.reconcile(rec)
	m.takeOverIfStale()
}

// Reconnected restarts every peer negotiation this surface initiated that
// had not completed when the transport dropped.
func (m *Manager) Reconnected() {
	s := m.sess
	if s == nil || !s.initiator || s.local == nil {
		return
	}
	for _, name := range s.peerNames() {
		pc := s.peers[name]
		if pc == nil || pc.state != PeerNegotiating {
			continue
		}
		slog.Info("[CALL] Restarting negotiation after reconnect", "peer", name)
		m.offerPeer(s, pc)
		if m.sess != s {
			return
		}
	}
}

// Close drops the local session without ending the call. The record is
// left for another surface to take over once it goes stale.
func (m *Manager) Close() {
	m.yield("surface closed", nil)
}

// Sweep is the periodic watchdog. It drops expired records and ends rings
// that outlived the record TTL. It also refreshes the record of a live call
// and takes over a call in this room whose owner stopped refreshing it.
func (m *Manager) Sweep() {
	if _, err := m.store.Sweep(m.ctx); err != nil {
		slog.Warn("[CALL] Sweep failed", "error", err)
	}

	s := m.sess
	if s == nil {
		rec, err := m.load()
		if err != nil {
			return
		}
		m.reconcile(rec)
		m.takeOverIfStale()
		return
	}

	switch m.state {
	case RingingIncoming:
		rec, err := m.load()
		if err != nil {
			// Unreadable is not absent; decide on the next sweep.
			return
		}
		if rec == nil || m.now().Sub(s.createdAt) > m.store.TTL() {
			slog.Info("[CALL] Incoming call expired", "from", s.from)
			m.ui.MissedCall(s.from)
			m.end(false, "missed")
		}
	case RingingOutgoing:
		if m.now().Sub(s.createdAt) > m.store.TTL() {
			slog.Info("[CALL] Outgoing call unanswered", "peers", s.peerNames())
			m.Hangup()
			return
		}
		m.persist()
	case Negotiating, Active:
		m.persist()
	}
}

func (m *Manager) reconcile(rec *store.Record) {
	if rec != nil && rec.Surface == m.surface {
		return
	}

	s := m.sess
	if s == nil {
		m.reconcileIdle(rec)
		return
	}

	if rec == nil {
		// Another surface rejected, hung up, or swept the record.
		m.yield("ended elsewhere", nil)
		return
	}

	switch rec.Type {
	case store.RecordIncoming:
		if rec.Accepted && rec.Room == m.room && m.state == RingingIncoming && rec.From == s.from {
			slog.Info("[CALL] Completing call accepted on another surface", "from", s.from)
			m.Accept()
		}
	case store.RecordActive:
		for _, p := range s.peerNames() {
			if recordInvolves(rec, p) {
				m.yield("moved to another surface", rec)
				return
			}
		}
	}
}

func (m *Manager) reconcileIdle(rec *store.Record) {
	switch {
	case rec == nil:
		if m.mirror != nil {
			m.mirror = nil
			m.ui.CallEnded("ended elsewhere")
		}

	case rec.Type == store.RecordIncoming && rec.Room == m.room && rec.Offer != nil && rec.From != m.self:
		m.adopt(rec)

	default:
		m.showMirror(rec)
	}
}

// adopt turns an incoming record for this room into a local ringing
// session, completing the answer at once if another surface accepted it.
func (m *Manager) adopt(rec *store.Record) {
	s := m.newSession(rec.Room, rec.IsGroup, false)
	s.from = rec.From
	offer := *rec.Offer
	s.offer = &offer
	m.sess = s
	m.mirror = nil
	m.setState(RingingIncoming)

	if rec.Accepted {
		slog.Info("[CALL] Completing call accepted on another surface", "from", s.from)
		m.Accept()
		return
	}
	m.ui.IncomingCall(s.from, s.group)
}

func (m *Manager) showMirror(rec *store.Record) {
	prev := m.mirror
	m.mirror = rec
	if prev != nil && prev.Type == rec.Type && prev.Accepted == rec.Accepted && prev.Room == rec.Room {
		return
	}
	if rec.Type == store.RecordIncoming && !rec.Accepted {
		m.ui.IncomingCall(rec.From, rec.IsGroup)
		return
	}
	m.ui.CallWindow(recordPeers(rec, m.self), rec.IsGroup)
}

// takeOverIfStale restarts a call in this room whose owning surface stopped
// refreshing the record, e.g. after a reload.
func (m *Manager) takeOverIfStale() {
	rec := m.mirror
	if m.sess != nil || rec == nil || rec.Type != store.RecordActive || rec.Room != m.room {
		return
	}
	if rec.Age(m.now()) <= m.staleAfter {
		return
	}
	peers := recordPeers(rec, m.self)
	if len(peers) == 0 {
		return
	}

	slog.Info("[CALL] Taking over stale call", "room", rec.Room, "peers", peers, "age", rec.Age(m.now()))
	s := m.newSession(rec.Room, rec.IsGroup, true)
	for _, p := range peers {
		s.peers[p] = &peerContext{name: p}
	}
	m.sess = s
	m.mirror = nil
	m.setState(Negotiating)
	m.persist()
	m.ui.CallWindow(s.peerNames(), s.group)
	m.acquire(s, func(media Media, err error) { m.outgoingMedia(s, media, err) })
}

// acceptElsewhere hands an incoming call shown on this surface over to the
// surface for the call's room.
func (m *Manager) acceptElsewhere() error {
	rec := *m.mirror
	rec.Accepted = true
	rec.Surface = m.surface
	saved, err := m.store.Save(m.ctx, rec)
	if err != nil {
		return err
	}
	m.mirror = &saved
	slog.Info("[CALL] Accepted call for another room", "from", rec.From, "room", rec.Room)
	m.ui.CallWindow(recordPeers(&saved, m.self), saved.IsGroup)
	m.nav.OpenRoom(rec.Room)
	return nil
}

// hangupElsewhere ends a call owned by another surface. The owner tears
// down when it sees the record cleared.
func (m *Manager) hangupElsewhere() {
	rec := m.mirror
	for _, p := range recordPeers(rec, m.self) {
		m.send(models.Event{Type: string(models.KindEndCall), To: p, Room: rec.Room, IsGroupCall: rec.IsGroup})
	}
	m.mirror = nil
	m.clearRecord()
	m.ui.CallEnded("hangup")
}

// busyElsewhere reports whether another surface holds a call that caller
// is not part of. An empty caller matches no call.
func (m *Manager) busyElsewhere(caller string) bool {
	rec, err := m.load()
	if err != nil || rec == nil || rec.Surface == m.surface {
		return false
	}
	return caller == "" || !recordInvolves(rec, caller)
}

func (m *Manager) persist() {
	s := m.sess
	if s == nil {
		return
	}
	rec := store.Record{
		Room:    s.room,
		IsGroup: s.group,
		Surface: m.surface,
	}
	if m.state == RingingIncoming {
		rec.Type = store.RecordIncoming
		rec.From = s.from
		rec.Offer = s.offer
	} else {
		rec.Type = store.RecordActive
		rec.From = s.from
		if s.initiator {
			rec.From = m.self
		}
		rec.Peers = s.peerNames()
		if len(rec.Peers) > 0 {
			rec.Peer = rec.Peers[0]
		}
	}
	if _, err := m.store.Save(m.ctx, rec); err != nil {
		slog.Warn("[CALL] Failed to save call record", "error", err)
	}
}

func (m *Manager) clearRecord() {
	if err := m.store.Clear(m.ctx); err != nil {
		slog.Warn("[CALL] Failed to clear call record", "error", err)
	}
}

// load reads the live record. A nil record with a nil error means there is
// no call; callers must not treat a read error the same way.
func (m *Manager) load() (*store.Record, error) {
	rec, err := m.store.Load(m.ctx)
	if err != nil {
		slog.Warn("[CALL] Failed to load call record", "error", err)
		return nil, err
	}
	return rec, nil
}

func recordInvolves(rec *store.Record, user string) bool {
	return rec.From == user || rec.Peer == user || slices.Contains(rec.Peers, user)
}

// recordPeers lists the remote parties of a record from self's side.
func recordPeers(rec *store.Record, self string) []string {
	var peers []string
	add := func(p string) {
		if p != "" && p != self && !slices.Contains(peers, p) {
			peers = append(peers, p)
		}
	}
	add(rec.From)
	add(rec.Peer)
	for _, p := range rec.Peers {
		add(p)
	}
	return peers
}
