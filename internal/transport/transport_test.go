package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"go-signaling/internal/models"
)

type frame struct {
	conn  int
	event models.Event
	query string
}

// fakeRelay records every frame and drops the first connection right after
// its join.
type fakeRelay struct {
	server *httptest.Server
	frames chan frame
	conns  atomic.Int32
}

func newFakeRelay(t *testing.T, dropFirst bool) *fakeRelay {
	t.Helper()
	r := &fakeRelay{frames: make(chan frame, 64)}
	upgrader := websocket.Upgrader{}

	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(r.conns.Add(1))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := models.Decode(data)
			if err != nil {
				continue
			}
			r.frames <- frame{conn: n, event: ev, query: req.URL.RawQuery}

			if dropFirst && n == 1 && ev.Kind() == models.KindJoin {
				return
			}
			if ev.Kind() == models.KindGetOnlineUsers {
				reply, _ := models.Encode(models.Event{Type: "online_users_list", Users: []string{"alice"}})
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *fakeRelay) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame")
		return frame{}
	}
}

func TestJoinSentFirstAndAgainAfterReconnect(t *testing.T) {
	relay := newFakeRelay(t, true)
	pool := NewPool(Options{URL: relay.url(), Token: "tok", ReconnectDelay: 50 * time.Millisecond})
	defer pool.Close()

	conn, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)

	var opened atomic.Int32
	conn.OnOpen(func() {
		opened.Add(1)
		conn.Send(models.Event{Type: "get_online_users"})
	})

	first := relay.next(t)
	require.Equal(t, 1, first.conn)
	require.Equal(t, models.KindJoin, first.event.Kind())
	require.Equal(t, "alice_bob", first.event.Room)
	require.Contains(t, first.query, "token=tok")
	require.Contains(t, first.query, "room=alice_bob")

	// The hook may or may not have run on the first socket before the drop;
	// the second socket must again start with join.
	var second frame
	for second = relay.next(t); second.conn == 1; second = relay.next(t) {
	}
	require.Equal(t, 2, second.conn)
	require.Equal(t, models.KindJoin, second.event.Kind())

	after := relay.next(t)
	require.Equal(t, models.KindGetOnlineUsers, after.event.Kind())
	require.GreaterOrEqual(t, conn.Opens(), int64(2))
	require.GreaterOrEqual(t, opened.Load(), int32(1))
}

func TestOneConnPerRoom(t *testing.T) {
	relay := newFakeRelay(t, false)
	pool := NewPool(Options{URL: relay.url()})
	defer pool.Close()

	a, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)
	b, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.Same(t, a, b)

	c, err := pool.Connect(context.Background(), "alice_carol")
	require.NoError(t, err)
	require.NotSame(t, a, c)

	_, err = pool.Connect(context.Background(), "")
	require.Error(t, err)
}

func TestSendOnClosedIsCountedNotFatal(t *testing.T) {
	pool := NewPool(Options{URL: "ws://127.0.0.1:1/ws", ReconnectDelay: time.Hour})
	conn, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)

	require.ErrorIs(t, conn.Send(models.Event{Type: "chat", Message: "hi"}), ErrNotOpen)
	require.ErrorIs(t, conn.Send(models.Event{Type: "typing"}), ErrNotOpen)
	require.Equal(t, int64(2), conn.Dropped())
	require.False(t, conn.IsOpen())

	require.NoError(t, conn.Close())

	// A closed room can be connected again.
	again, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.NotSame(t, conn, again)
	again.Close()
}

func TestInboundEventsReachHandlers(t *testing.T) {
	relay := newFakeRelay(t, false)
	pool := NewPool(Options{URL: relay.url()})
	defer pool.Close()

	conn, err := pool.Connect(context.Background(), "alice_bob")
	require.NoError(t, err)

	got := make(chan models.Event, 4)
	conn.OnEvent(func(ev models.Event) { got <- ev })
	conn.OnOpen(func() { conn.Send(models.Event{Type: "get_online_users"}) })

	select {
	case ev := <-got:
		require.Equal(t, models.KindOnlineUsersList, ev.Kind())
		require.Equal(t, []string{"alice"}, ev.Users)
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound event")
	}
}
