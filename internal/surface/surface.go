// Package surface wires one UI surface: a room's transport connection, the
// dispatcher, the chat state and the call manager, all driven from a single
// event loop.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go-signaling/internal/auth"
	"go-signaling/internal/call"
	"go-signaling/internal/chat"
	"go-signaling/internal/dispatch"
	"go-signaling/internal/loop"
	"go-signaling/internal/models"
	"go-signaling/internal/store"
	"go-signaling/internal/transport"
)

// DefaultSweepEvery is the call watchdog period.
const DefaultSweepEvery = 5 * time.Second

var ErrClosed = errors.New("surface: closed")

// Renderer draws a surface: chat and call views.
type Renderer interface {
	chat.Renderer
	call.UI
}

type Options struct {
	Identity auth.Identity
	Room     string
	// Peer is the default chat recipient; empty for group rooms.
	Peer string
	// ID identifies this surface in the shared call record. Generated when
	// empty.
	ID string

	Store       *store.Store
	Media       call.MediaProvider
	Negotiators call.NegotiatorFactory
	Renderer    Renderer
	Navigator   call.Navigator

	SweepEvery time.Duration
	TypingIdle time.Duration
	StaleAfter time.Duration
}

type Surface struct {
	id   string
	room string
	self string

	loop     *loop.Loop
	conn     *transport.Conn
	chat     *chat.Chat
	calls    *call.Manager
	dispatch *dispatch.Dispatcher

	cancel    context.CancelFunc
	stopSweep func()
}

// Open connects the surface to its room and starts its loop. Events,
// store notifications, timers and commands are all serialized on it.
func Open(ctx context.Context, pool *transport.Pool, o Options) (*Surface, error) {
	if o.Identity.Username == "" {
		return nil, auth.ErrNoUsername
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = DefaultSweepEvery
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Surface{
		id:     o.ID,
		room:   o.Room,
		self:   o.Identity.Username,
		loop:   loop.New(256),
		cancel: cancel,
	}

	conn, err := pool.Connect(ctx, o.Room)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect %s: %w", o.Room, err)
	}
	s.conn = conn

	var chatOpts []chat.Option
	if o.TypingIdle > 0 {
		chatOpts = append(chatOpts, chat.WithTypingIdle(o.TypingIdle))
	}
	s.chat = chat.New(o.Room, s.self, o.Peer, conn, o.Renderer, s.loop, chatOpts...)

	s.calls = call.NewManager(ctx, call.Options{
		Self:        s.self,
		Room:        o.Room,
		Surface:     o.ID,
		Out:         conn,
		Media:       o.Media,
		Negotiators: o.Negotiators,
		Store:       o.Store,
		Presence:    s.chat,
		UI:          o.Renderer,
		Navigator:   o.Navigator,
		Loop:        s.loop,
		StaleAfter:  o.StaleAfter,
	})
	s.chat.OnPresence(s.calls.PeerPresence)
	s.dispatch = dispatch.New(o.Room, s.self, s.chat, s.calls)

	records, err := o.Store.Watch(ctx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	go s.loop.Run(ctx)
	go s.forward(ctx, records)

	s.loop.Post(s.calls.Restore)
	s.stopSweep = s.loop.Every(o.SweepEvery, s.calls.Sweep)

	conn.OnEvent(func(ev models.Event) {
		s.loop.Post(func() { s.dispatch.Dispatch(ev) })
	})
	conn.OnOpen(func() {
		s.loop.Post(s.reopened)
	})

	slog.Info("[SURFACE] Opened", "id", s.id, "room", s.room, "user", s.self)
	return s, nil
}

func (s *Surface) forward(ctx context.Context, records <-chan store.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-records:
			if !ok {
				return
			}
			s.loop.Post(func() { s.calls.HandleRecord(n.Record) })
		}
	}
}

// reopened runs after every transport (re)open: join has already been
// queued by the transport.
func (s *Surface) reopened() {
	if err := s.conn.Send(models.Event{Type: string(models.KindGetOnlineUsers), Room: s.room}); err != nil {
		slog.Warn("[SURFACE] Failed to request online users", "room", s.room, "error", err)
	}
	s.calls.Restore()
	s.calls.Reconnected()
}

func (s *Surface) ID() string   { return s.id }
func (s *Surface) Room() string { return s.room }
func (s *Surface) Self() string { return s.self }

// do runs fn on the surface loop and returns its error.
func (s *Surface) do(fn func() error) error {
	var err error
	if !s.loop.Do(func() { err = fn() }) {
		return ErrClosed
	}
	return err
}

func (s *Surface) Send(body string) (chat.Message, error) {
	var m chat.Message
	err := s.do(func() error {
		var err error
		m, err = s.chat.Send(body)
		return err
	})
	return m, err
}

func (s *Surface) Keystroke() error {
	return s.do(func() error {
		s.chat.Keystroke()
		return nil
	})
}

func (s *Surface) Seed(history []chat.Message) error {
	return s.do(func() error {
		s.chat.Seed(history)
		return nil
	})
}

func (s *Surface) StartCall(peer string) error { return s.do(func() error { return s.calls.StartCall(peer) }) }
func (s *Surface) StartGroupCall() error       { return s.do(s.calls.StartGroupCall) }
func (s *Surface) Accept() error               { return s.do(s.calls.Accept) }
func (s *Surface) Reject() error               { return s.do(s.calls.Reject) }
func (s *Surface) Hangup() error               { return s.do(s.calls.Hangup) }

// SetMuted pauses or resumes local audio or video of the call on this
// surface.
func (s *Surface) SetMuted(kind string, muted bool) error {
	return s.do(func() error { return s.calls.SetMuted(kind, muted) })
}

// Snapshot is a consistent read of the surface state.
type Snapshot struct {
	CallState call.State
	CallView  call.State
	Peers     []string
	Muted     []string
	Online    []string
	Messages  []chat.Message
	Dispatch  dispatch.Stats
	Dropped   int64
	Connected bool
}

func (s *Surface) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() error {
		snap = Snapshot{
			CallState: s.calls.State(),
			CallView:  s.calls.View(),
			Peers:     s.calls.Peers(),
			Muted:     s.mutedKinds(),
			Online:    s.chat.OnlineUsers(),
			Messages:  s.chat.Messages(),
		}
		return nil
	})
	snap.Dispatch = s.dispatch.Stats()
	snap.Dropped = s.conn.Dropped()
	snap.Connected = s.conn.IsOpen()
	return snap, err
}

// Close releases the surface's media and connection. A call in progress is
// left in the shared record for another surface to pick up.
func (s *Surface) mutedKinds() []string {
	var kinds []string
	for _, k := range []string{call.AudioKind, call.VideoKind} {
		if s.calls.Muted(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s *Surface) Close() error {
	s.stopSweep()
	s.loop.Do(func() {
		s.chat.Close()
		s.calls.Close()
	})
	err := s.conn.Close()
	s.cancel()
	<-s.loop.Done()
	slog.Info("[SURFACE] Closed", "id", s.id, "room", s.room)
	return err
}
