// Package dispatch classifies inbound events and routes each to exactly one
// subsystem of a surface.
package dispatch

import (
	"log/slog"
	"sync/atomic"

	"go-signaling/internal/models"
)

// Handler ingests events routed to it. It must ignore kinds it does not
// recognise.
type Handler interface {
	HandleEvent(ev models.Event)
}

type Route int

const (
	Dropped Route = iota
	ToChat
	ToCalls
)

func (r Route) String() string {
	switch r {
	case ToChat:
		return "chat"
	case ToCalls:
		return "calls"
	default:
		return "dropped"
	}
}

var chatKinds = map[models.Kind]bool{
	models.KindChat:              true,
	models.KindTyping:            true,
	models.KindTypingIndicator:   true,
	models.KindUserStatus:        true,
	models.KindOnlineUsersList:   true,
	models.KindReadReceipt:       true,
	models.KindReadReceiptUpdate: true,
	models.KindMissedCall:        true,
}

type Stats struct {
	RoomDropped      int64
	RecipientDropped int64
	ToChat           int64
	ToCalls          int64
}

// Dispatcher filters by room, then by chat participant, then routes by
// kind. Unknown kinds go to the call handler.
type Dispatcher struct {
	room  string
	self  string
	chat  Handler
	calls Handler

	roomDropped      atomic.Int64
	recipientDropped atomic.Int64
	toChat           atomic.Int64
	toCalls          atomic.Int64
}

func New(room, self string, chat, calls Handler) *Dispatcher {
	return &Dispatcher{room: room, self: self, chat: chat, calls: calls}
}

func (d *Dispatcher) Dispatch(ev models.Event) Route {
	if ev.Room != "" && ev.Room != d.room {
		d.roomDropped.Add(1)
		slog.Debug("[DISPATCH] Dropping event for other room", "type", ev.Type, "room", ev.Room, "active", d.room)
		return Dropped
	}

	kind := ev.Kind()
	if kind == models.KindChat && ev.From != d.self && ev.Recipient != d.self {
		d.recipientDropped.Add(1)
		slog.Debug("[DISPATCH] Dropping chat for other participants", "from", ev.From, "recipient", ev.Recipient)
		return Dropped
	}

	if chatKinds[kind] {
		d.toChat.Add(1)
		d.chat.HandleEvent(ev)
		return ToChat
	}

	d.toCalls.Add(1)
	d.calls.HandleEvent(ev)
	return ToCalls
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		RoomDropped:      d.roomDropped.Load(),
		RecipientDropped: d.recipientDropped.Load(),
		ToChat:           d.toChat.Load(),
		ToCalls:          d.toCalls.Load(),
	}
}
