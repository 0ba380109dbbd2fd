// Package transport owns the client side of the relay channel: one
// reconnecting WebSocket per room, carrying models.Event frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-signaling/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024

	// DefaultReconnectDelay is the fixed wait before redialling a dropped room.
	DefaultReconnectDelay = 1500 * time.Millisecond
)

var (
	ErrNotOpen   = errors.New("transport: connection not open")
	ErrQueueFull = errors.New("transport: send queue full")
)

type Options struct {
	// URL is the relay WebSocket endpoint, e.g. ws://host:8080/ws.
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Pool hands out at most one Conn per room.
type Pool struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool(opts Options) *Pool {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Pool{opts: opts, conns: make(map[string]*Conn)}
}

// Connect returns the room's connection, starting it if needed. The
// returned Conn dials in the background; Send fails with ErrNotOpen until
// the first open.
func (p *Pool) Connect(ctx context.Context, room string) (*Conn, error) {
	if room == "" {
		return nil, errors.New("transport: room required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[room]; ok {
		return c, nil
	}

	endpoint, err := p.endpoint(room)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		pool:     p,
		room:     room,
		endpoint: endpoint,
		opts:     p.opts,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.conns[room] = c
	go c.run()
	return c, nil
}

func (p *Pool) endpoint(room string) (string, error) {
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	if p.opts.Token != "" {
		q.Set("token", p.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Pool) forget(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.room] == c {
		delete(p.conns, c.room)
	}
}

// Close closes every connection in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Conn is one logical connection to a room. It survives drops of the
// underlying socket.
type Conn struct {
	pool     *Pool
	room     string
	endpoint string
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	out      chan []byte
	handlers []func(models.Event)
	onOpen   []func()

	dropped atomic.Int64
	opens   atomic.Int64
}

func (c *Conn) Room() string { return c.room }

// OnEvent registers a handler for every inbound frame. Handlers run on the
// connection's read goroutine.
func (c *Conn) OnEvent(fn func(models.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// OnOpen registers a hook run after every (re)open, once join is queued.
// If the connection is already open the hook also runs now.
func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	open := c.out != nil
	c.mu.Unlock()

	if open {
		fn()
	}
}

// Send queues ev. On a connection that is not open the frame is dropped and
// counted.
func (c *Conn) Send(ev models.Event) error {
	payload, err := models.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	if out == nil {
		c.dropped.Add(1)
		slog.Warn("[TRANSPORT] Send on closed connection, dropping", "room", c.room, "type", ev.Type)
		return ErrNotOpen
	}

	select {
	case out <- payload:
		return nil
	default:
		c.dropped.Add(1)
		slog.Warn("[TRANSPORT] Send queue full, dropping", "room", c.room, "type", ev.Type)
		return ErrQueueFull
	}
}

// Dropped counts frames discarded by Send.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Opens counts successful (re)opens.
func (c *Conn) Opens() int64 { return c.opens.Load() }

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Close stops reconnecting and closes the socket.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	c.pool.forget(c)
	return nil
}

func (c *Conn) run() {
	defer close(c.done)

	for {
		ws, _, err := c.opts.Dialer.DialContext(c.ctx, c.endpoint, nil)
		if err == nil {
			c.serve(ws)
		} else if c.ctx.Err() == nil {
			slog.Warn("[TRANSPORT] Dial failed", "room", c.room, "error", err)
		}

		if c.ctx.Err() != nil {
			slog.Debug("[TRANSPORT] Connection closed", "room", c.room)
			return
		}

		slog.Info("[TRANSPORT] Reconnecting", "room", c.room, "delay", c.opts.ReconnectDelay)
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// serve runs one socket until it drops.
func (c *Conn) serve(ws *websocket.Conn) {
	out := make(chan []byte, 256)
	join, _ := models.Encode(models.Event{Type: string(models.KindJoin), Room: c.room})
	out <- join

	c.mu.Lock()
	c.out = out
	hooks := append([]func(){}, c.onOpen...)
	c.mu.Unlock()

	n := c.opens.Add(1)
	slog.Info("[TRANSPORT] Connected", "room", c.room, "opens", n)

	stop := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(ws, out, stop)
	}()

	for _, hook := range hooks {
		hook()
	}

	c.readPump(ws)

	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()

	close(stop)
	<-pumpDone
	ws.Close()
}

func (c *Conn) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("[TRANSPORT] Connection dropped", "room", c.room, "error", err)
			}
			return
		}

		ev, err := models.Decode(message)
		if err != nil {
			slog.Warn("[TRANSPORT] Dropping unreadable frame", "room", c.room, "error", err)
			continue
		}

		c.mu.Lock()
		handlers := c.handlers
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn, out <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-c.ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ws.Close()
			return

		case message := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("[TRANSPORT] Failed to write", "room", c.room, "error", err)
				ws.Close()
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[TRANSPORT] Failed to send ping", "room", c.room, "error", err)
				ws.Close()
				return
			}
		}
	}
}
