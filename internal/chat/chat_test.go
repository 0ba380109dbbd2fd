package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-signaling/internal/loop"
	"go-signaling/internal/models"
)

type sent struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *sent) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sent) ofKind(k models.Kind) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

type view struct {
	added    []Message
	replaced []string
	read     []string
	presence [][]string
	typing   map[string]bool
	missed   []string
}

func (v *view) MessageAdded(m Message)                   { v.added = append(v.added, m) }
func (v *view) MessageReplaced(tempID string, m Message) { v.replaced = append(v.replaced, tempID) }
func (v *view) MessageRead(id string)                    { v.read = append(v.read, id) }
func (v *view) PresenceChanged(online []string)          { v.presence = append(v.presence, online) }
func (v *view) TypingChanged(user string, typing bool)   { v.typing[user] = typing }
func (v *view) MissedCall(from string)                   { v.missed = append(v.missed, from) }

type fixture struct {
	loop *loop.Loop
	out  *sent
	view *view
	chat *Chat
}

func newFixture(t *testing.T, self, peer string, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{loop: loop.New(0), out: &sent{}, view: &view{typing: map[string]bool{}}}
	go f.loop.Run(ctx)
	f.chat = New("A_B", self, peer, f.out, f.view, f.loop, opts...)
	return f
}

func (f *fixture) do(fn func()) { f.loop.Do(fn) }

func TestOptimisticMessageReplacedByEcho(t *testing.T) {
	f := newFixture(t, "A", "B")

	var m Message
	f.do(func() {
		var err error
		m, err = f.chat.Send("hi")
		require.NoError(t, err)
	})
	require.True(t, strings.HasPrefix(m.ID, "temp-"))
	require.True(t, m.Pending)

	chats := f.out.ofKind(models.KindChat)
	require.Len(t, chats, 1)
	require.Equal(t, "B", chats[0].Recipient)
	require.Equal(t, "A_B", chats[0].Room)
	require.Equal(t, m.ID, chats[0].TempMessageID)

	f.do(func() {
		f.chat.HandleEvent(models.Event{
			Type: "chat", MessageID: "42", Message: "hi", From: "A",
			Recipient: "B", Room: "A_B", TempMessageID: m.ID, Read: models.Bool(false),
		})
	})

	var msgs []Message
	f.do(func() { msgs = f.chat.Messages() })
	require.Len(t, msgs, 1)
	require.Equal(t, "42", msgs[0].ID)
	require.False(t, msgs[0].Pending)
	require.False(t, msgs[0].Read)
	require.Equal(t, []string{m.ID}, f.view.replaced)
	require.Empty(t, f.out.ofKind(models.KindReadReceipt), "own messages are never receipted")
}

func TestEchoWithoutTempIDMatchesPendingBody(t *testing.T) {
	f := newFixture(t, "A", "B")

	f.do(func() {
		_, err := f.chat.Send("hi")
		require.NoError(t, err)
		f.chat.HandleEvent(models.Event{Type: "chat", MessageID: "42", Message: "hi", From: "A", Read: models.Bool(false)})
	})

	var msgs []Message
	f.do(func() { msgs = f.chat.Messages() })
	require.Len(t, msgs, 1)
	require.Equal(t, "42", msgs[0].ID)
	require.False(t, msgs[0].Read)
	require.False(t, msgs[0].Pending)
}

func TestCanonicalDuplicateIsNoop(t *testing.T) {
	f := newFixture(t, "A", "B")
	ev := models.Event{Type: "chat", MessageID: "7", Message: "yo", From: "B", Recipient: "A", Room: "A_B"}

	f.do(func() {
		f.chat.HandleEvent(ev)
		f.chat.HandleEvent(ev)
	})

	require.Len(t, f.view.added, 1)
	receipts := f.out.ofKind(models.KindReadReceipt)
	require.Len(t, receipts, 1)
	require.Equal(t, "7", receipts[0].MessageID)
}

func TestReadFlagFlipsOnceForOwnMessages(t *testing.T) {
	f := newFixture(t, "A", "B")

	f.do(func() {
		f.chat.Seed([]Message{
			{ID: "1", Sender: "A", Recipient: "B", Body: "mine"},
			{ID: "2", Sender: "B", Recipient: "A", Body: "theirs"},
		})
		f.chat.HandleEvent(models.Event{Type: "read_receipt_update", MessageID: "1"})
		f.chat.HandleEvent(models.Event{Type: "read_receipt_update", MessageID: "1"})
		f.chat.HandleEvent(models.Event{Type: "read_receipt_update", MessageID: "2"})
		f.chat.HandleEvent(models.Event{Type: "read_receipt_update", MessageID: "unknown"})
	})

	require.Equal(t, []string{"1"}, f.view.read)
	var msgs []Message
	f.do(func() { msgs = f.chat.Messages() })
	require.True(t, msgs[0].Read)
	require.False(t, msgs[1].Read)
	require.Empty(t, f.out.ofKind(models.KindReadReceipt), "seeded history is not receipted")
}

func TestTypingDebounce(t *testing.T) {
	f := newFixture(t, "A", "B", WithTypingIdle(60*time.Millisecond))

	f.do(func() {
		f.chat.Keystroke()
		f.chat.Keystroke()
	})
	require.Len(t, f.out.ofKind(models.KindTyping), 1)

	require.Eventually(t, func() bool {
		return len(f.out.ofKind(models.KindTyping)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	typing := f.out.ofKind(models.KindTyping)
	require.True(t, *typing[0].IsTyping)
	require.False(t, *typing[1].IsTyping)

	var still bool
	f.do(func() { still = f.chat.Typing() })
	require.False(t, still)
}

func TestSendClearsTyping(t *testing.T) {
	f := newFixture(t, "A", "B", WithTypingIdle(50*time.Millisecond))

	f.do(func() {
		f.chat.Keystroke()
		_, err := f.chat.Send("done")
		require.NoError(t, err)
	})

	time.Sleep(150 * time.Millisecond)
	f.do(func() {})

	typing := f.out.ofKind(models.KindTyping)
	require.Len(t, typing, 2, "cancelled timer must not emit a second stop")
	require.False(t, *typing[1].IsTyping)
}

func TestPresenceSnapshotAndDelta(t *testing.T) {
	f := newFixture(t, "A", "B")

	var changes []string
	f.do(func() {
		f.chat.OnPresence(func(user string, online bool) {
			if online {
				changes = append(changes, "+"+user)
			} else {
				changes = append(changes, "-"+user)
			}
		})
		f.chat.HandleEvent(models.Event{Type: "online_users_list", Users: []string{"A", "B"}})
		f.chat.HandleEvent(models.Event{Type: "user_status", Username: "C", IsOnline: models.Bool(true)})
		f.chat.HandleEvent(models.Event{Type: "online_users_list", Users: []string{"A", "C"}})
		f.chat.HandleEvent(models.Event{Type: "user_status", Username: "C", IsOnline: models.Bool(false)})
	})

	var online []string
	f.do(func() { online = f.chat.OnlineUsers() })
	require.Equal(t, []string{"A"}, online)
	require.Contains(t, changes, "-B")
	require.Contains(t, changes, "+C")
	require.Equal(t, "-C", changes[len(changes)-1])
}

func TestRemoteTypingIgnoresSelf(t *testing.T) {
	f := newFixture(t, "A", "B")

	f.do(func() {
		f.chat.HandleEvent(models.Event{Type: "typing_indicator", Username: "A", IsTyping: models.Bool(true)})
		f.chat.HandleEvent(models.Event{Type: "typing_indicator", Username: "B", IsTyping: models.Bool(true)})
	})

	var typing bool
	f.do(func() { typing = f.chat.PeerTyping("B") })
	require.True(t, typing)
	require.Equal(t, map[string]bool{"B": true}, f.view.typing)
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.do(func() {
		_, err := f.chat.Send("   ")
		require.ErrorIs(t, err, ErrEmptyMessage)
	})
	require.Empty(t, f.out.ofKind(models.KindChat))
}

func TestGroupRoomCannotSendChat(t *testing.T) {
	f := newFixture(t, "A", "")
	f.do(func() {
		_, err := f.chat.Send("hello all")
		require.ErrorIs(t, err, ErrNoRecipient)
		require.Empty(t, f.chat.Messages())
	})
	require.Empty(t, f.out.ofKind(models.KindChat))
	require.Empty(t, f.view.added)
}

func TestMissedCallNotice(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.do(func() {
		f.chat.HandleEvent(models.Event{Type: "missed_call", From: "B"})
	})
	require.Equal(t, []string{"B"}, f.view.missed)
}
