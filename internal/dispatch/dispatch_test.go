package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go-signaling/internal/models"
)

type recorder struct {
	events []models.Event
}

func (r *recorder) HandleEvent(ev models.Event) { r.events = append(r.events, ev) }

func newDispatcher() (*Dispatcher, *recorder, *recorder) {
	chat, calls := &recorder{}, &recorder{}
	return New("A_B", "A", chat, calls), chat, calls
}

func TestOtherRoomProducesNothing(t *testing.T) {
	d, chat, calls := newDispatcher()

	for _, ev := range []models.Event{
		{Type: "chat", Room: "A_C", From: "C", Recipient: "A", Message: "psst"},
		{Type: "typing_indicator", Room: "A_C", Username: "C", IsTyping: models.Bool(true)},
		{Type: "offer", Room: "A_C", From: "C"},
		{Type: "read_receipt_update", Room: "A_C", MessageID: "7"},
	} {
		require.Equal(t, Dropped, d.Dispatch(ev))
	}

	require.Empty(t, chat.events)
	require.Empty(t, calls.events)
	require.Equal(t, int64(4), d.Stats().RoomDropped)
}

func TestChatRequiresLocalParticipant(t *testing.T) {
	d, chat, _ := newDispatcher()

	require.Equal(t, Dropped, d.Dispatch(models.Event{Type: "chat", Room: "A_B", From: "B", Recipient: "C"}))
	require.Equal(t, ToChat, d.Dispatch(models.Event{Type: "chat", Room: "A_B", From: "B", Recipient: "A"}))
	require.Equal(t, ToChat, d.Dispatch(models.Event{Type: "chat", Room: "A_B", From: "A", Recipient: "B"}))

	require.Len(t, chat.events, 2)
	require.Equal(t, int64(1), d.Stats().RecipientDropped)
}

func TestRoutesByKind(t *testing.T) {
	d, chat, calls := newDispatcher()

	toChat := []string{"typing_indicator", "user_status", "online_users_list", "read_receipt_update", "missed_call"}
	for _, typ := range toChat {
		require.Equal(t, ToChat, d.Dispatch(models.Event{Type: typ}), typ)
	}

	toCalls := []string{"offer", "answer", "ice", "end_call", "reject", "join", "leave", "something_new"}
	for _, typ := range toCalls {
		require.Equal(t, ToCalls, d.Dispatch(models.Event{Type: typ}), typ)
	}

	require.Len(t, chat.events, len(toChat))
	require.Len(t, calls.events, len(toCalls))
	require.Equal(t, "something_new", calls.events[len(calls.events)-1].Type)

	st := d.Stats()
	require.Equal(t, int64(len(toChat)), st.ToChat)
	require.Equal(t, int64(len(toCalls)), st.ToCalls)
}

func TestUntaggedEventsPassRoomFilter(t *testing.T) {
	d, chat, _ := newDispatcher()
	require.Equal(t, ToChat, d.Dispatch(models.Event{Type: "user_status", Username: "B", IsOnline: models.Bool(false)}))
	require.Len(t, chat.events, 1)
}
