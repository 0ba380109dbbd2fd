// Package chat keeps one room's message history, presence and typing state
// for a surface. Every method must be called from the surface loop.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-signaling/internal/loop"
	"go-signaling/internal/models"
)

// DefaultTypingIdle is how long a local typing=true lasts without input.
const DefaultTypingIdle = 3000 * time.Millisecond

const tempPrefix = "temp-"

var (
	ErrEmptyMessage = errors.New("chat: empty message")
	ErrNoRecipient  = errors.New("chat: room has no chat peer")
)

// Sender is the outbound side of the room's channel.
type Sender interface {
	Send(ev models.Event) error
}

// Renderer draws chat state. Calls happen on the surface loop.
type Renderer interface {
	MessageAdded(m Message)
	MessageReplaced(tempID string, m Message)
	MessageRead(id string)
	PresenceChanged(online []string)
	TypingChanged(user string, typing bool)
	MissedCall(from string)
}

type Message struct {
	// ID is the canonical message_id, or the temporary id while Pending.
	ID        string
	TempID    string
	Sender    string
	Recipient string
	Body      string
	Room      string
	Timestamp string
	Read      bool
	Pending   bool
}

type Option func(*Chat)

func WithTypingIdle(d time.Duration) Option {
	return func(c *Chat) { c.typingIdle = d }
}

type Chat struct {
	room   string
	self   string
	peer   string
	out    Sender
	render Renderer
	loop   *loop.Loop

	typingIdle  time.Duration
	typing      bool
	typingTimer *loop.Timer

	messages []*Message
	byID     map[string]*Message

	presence     map[string]bool
	listeners    []func(user string, online bool)
	remoteTyping map[string]bool
}

// New creates the chat state of room for the local user self. peer is the
// recipient of outgoing messages. Chat is 1:1 only: with an empty peer the
// room still tracks presence and typing, but Send fails.
func New(room, self, peer string, out Sender, render Renderer, l *loop.Loop, opts ...Option) *Chat {
	c := &Chat{
		room:         room,
		self:         self,
		peer:         peer,
		out:          out,
		render:       render,
		loop:         l,
		typingIdle:   DefaultTypingIdle,
		byID:         make(map[string]*Message),
		presence:     make(map[string]bool),
		remoteTyping: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send renders body optimistically under a temporary id and sends it.
func (c *Chat) Send(body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyMessage
	}
	if c.peer == "" {
		return Message{}, ErrNoRecipient
	}

	tempID := tempPrefix + uuid.NewString()
	m := &Message{
		ID:        tempID,
		TempID:    tempID,
		Sender:    c.self,
		Recipient: c.peer,
		Body:      body,
		Room:      c.room,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Pending:   true,
	}
	c.messages = append(c.messages, m)
	c.byID[tempID] = m
	c.render.MessageAdded(*m)

	c.stopTyping()

	err := c.out.Send(models.Event{
		Type:          string(models.KindChat),
		Message:       body,
		Room:          c.room,
		Recipient:     c.peer,
		TempMessageID: tempID,
	})
	if err != nil {
		return *m, fmt.Errorf("send message: %w", err)
	}
	return *m, nil
}

// Keystroke marks the local user as typing and restarts the idle timer.
func (c *Chat) Keystroke() {
	if !c.typing {
		c.typing = true
		c.sendTyping(true)
	}
	c.typingTimer.Stop()
	c.typingTimer = c.loop.AfterFunc(c.typingIdle, c.stopTyping)
}

// Typing reports whether the local user is currently flagged as typing.
func (c *Chat) Typing() bool { return c.typing }

func (c *Chat) stopTyping() {
	c.typingTimer.Stop()
	c.typingTimer = nil
	if c.typing {
		c.typing = false
		c.sendTyping(false)
	}
}

func (c *Chat) sendTyping(typing bool) {
	c.out.Send(models.Event{
		Type:      string(models.KindTyping),
		Room:      c.room,
		Recipient: c.peer,
		IsTyping:  models.Bool(typing),
	})
}

func (c *Chat) HandleEvent(ev models.Event) {
	switch ev.Kind() {
	case models.KindChat:
		c.ingest(ev)
	case models.KindTypingIndicator, models.KindTyping:
		c.remoteTypingChanged(ev)
	case models.KindUserStatus:
		if ev.Username == "" || ev.IsOnline == nil {
			return
		}
		c.setPresence(ev.Username, *ev.IsOnline)
		c.render.PresenceChanged(c.OnlineUsers())
	case models.KindOnlineUsersList:
		c.replacePresence(ev.Users)
	case models.KindReadReceiptUpdate:
		c.markRead(ev.MessageID)
	case models.KindMissedCall:
		if from := ev.Sender(); from != "" && from != c.self {
			c.render.MissedCall(from)
		}
	}
}

func (c *Chat) ingest(ev models.Event) {
	if ev.MessageID != "" && c.byID[ev.MessageID] != nil {
		slog.Debug("[CHAT] Duplicate message", "id", ev.MessageID)
		return
	}

	sender := ev.Sender()
	read := ev.Read != nil && *ev.Read

	if pending := c.pendingFor(ev); pending != nil {
		tempID := pending.TempID
		if ev.MessageID != "" {
			delete(c.byID, tempID)
			pending.ID = ev.MessageID
			c.byID[ev.MessageID] = pending
		}
		pending.Pending = false
		pending.Read = read
		if ev.Timestamp != "" {
			pending.Timestamp = ev.Timestamp
		}
		c.render.MessageReplaced(tempID, *pending)
		return
	}

	m := &Message{
		ID:        ev.MessageID,
		Sender:    sender,
		Recipient: ev.Recipient,
		Body:      ev.Message,
		Room:      ev.Room,
		Timestamp: ev.Timestamp,
		Read:      read,
	}
	if m.Room == "" {
		m.Room = c.room
	}
	c.messages = append(c.messages, m)
	if m.ID != "" {
		c.byID[m.ID] = m
	}
	c.render.MessageAdded(*m)

	if sender != c.self && m.ID != "" && (ev.Room == "" || ev.Room == c.room) {
		c.out.Send(models.Event{
			Type:      string(models.KindReadReceipt),
			MessageID: m.ID,
			Room:      c.room,
		})
	}
}

// pendingFor finds the optimistic record an echo confirms: by temporary id,
// or for an echo without one, the oldest pending local message with the
// same body.
func (c *Chat) pendingFor(ev models.Event) *Message {
	if ev.TempMessageID != "" {
		if m := c.byID[ev.TempMessageID]; m != nil && m.Pending {
			return m
		}
		return nil
	}
	if ev.Sender() != c.self {
		return nil
	}
	for _, m := range c.messages {
		if m.Pending && m.Body == ev.Message {
			return m
		}
	}
	return nil
}

func (c *Chat) markRead(id string) {
	m := c.byID[id]
	if m == nil || m.Pending || m.Sender != c.self || m.Read {
		return
	}
	m.Read = true
	c.render.MessageRead(id)
}

func (c *Chat) remoteTypingChanged(ev models.Event) {
	user := ev.Sender()
	if user == "" || user == c.self || ev.IsTyping == nil {
		return
	}
	if c.remoteTyping[user] == *ev.IsTyping {
		return
	}
	if *ev.IsTyping {
		c.remoteTyping[user] = true
	} else {
		delete(c.remoteTyping, user)
	}
	c.render.TypingChanged(user, *ev.IsTyping)
}

// PeerTyping reports whether user is currently shown as typing.
func (c *Chat) PeerTyping(user string) bool { return c.remoteTyping[user] }

// OnPresence registers a listener for per-user online changes.
func (c *Chat) OnPresence(fn func(user string, online bool)) {
	c.listeners = append(c.listeners, fn)
}

func (c *Chat) setPresence(user string, online bool) {
	if c.presence[user] == online {
		return
	}
	if online {
		c.presence[user] = true
	} else {
		delete(c.presence, user)
		if c.remoteTyping[user] {
			delete(c.remoteTyping, user)
			c.render.TypingChanged(user, false)
		}
	}
	for _, fn := range c.listeners {
		fn(user, online)
	}
}

func (c *Chat) replacePresence(users []string) {
	next := make(map[string]bool, len(users))
	for _, u := range users {
		next[u] = true
	}
	for u := range c.presence {
		if !next[u] {
			c.setPresence(u, false)
		}
	}
	for u := range next {
		c.setPresence(u, true)
	}
	c.render.PresenceChanged(c.OnlineUsers())
}

func (c *Chat) Online(user string) bool { return c.presence[user] }

func (c *Chat) OnlineUsers() []string {
	users := make([]string, 0, len(c.presence))
	for u := range c.presence {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Messages returns the rendered history in order.
func (c *Chat) Messages() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// Seed preloads canonical history, skipping ids already known.
func (c *Chat) Seed(history []Message) {
	for _, h := range history {
		if h.ID == "" || c.byID[h.ID] != nil {
			continue
		}
		m := h
		m.Pending = false
		c.messages = append(c.messages, &m)
		c.byID[m.ID] = &m
		c.render.MessageAdded(m)
	}
}

// Close cancels the typing timer without emitting.
func (c *Chat) Close() {
	c.typingTimer.Stop()
	c.typingTimer = nil
}
