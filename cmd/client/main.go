package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go-signaling/internal/auth"
	"go-signaling/internal/call"
	"go-signaling/internal/chat"
	"go-signaling/internal/config"
	"go-signaling/internal/logger"
	"go-signaling/internal/peer"
	"go-signaling/internal/store"
	"go-signaling/internal/surface"
	"go-signaling/internal/transport"
)

const help = `commands:
  <text>              send a chat message
  /call <user>        start a 1:1 call
  /group              call everyone online
  /accept, /reject    answer the incoming call
  /hangup             end the call
  /mute <audio|video> pause local media (/unmute resumes)
  /open <room> [peer] open another room surface
  /use <room>         switch the active surface
  /state              show call and presence state
  /quit`

// printer renders one surface to stdout.
type printer struct {
	room string
}

func (p printer) out(format string, args ...any) {
	fmt.Printf("[%s] %s\n", p.room, fmt.Sprintf(format, args...))
}

func (p printer) MessageAdded(m chat.Message) {
	p.out("%s: %s", m.Sender, m.Body)
}

func (p printer) MessageReplaced(_ string, m chat.Message) {
	p.out("(delivered %s)", m.ID)
}

func (p printer) MessageRead(id string) {
	p.out("(read %s)", id)
}

func (p printer) PresenceChanged(online []string) {
	p.out("online: %s", strings.Join(online, ", "))
}

func (p printer) TypingChanged(user string, typing bool) {
	if typing {
		p.out("%s is typing...", user)
	}
}

func (p printer) MissedCall(from string) {
	p.out("missed call from %s", from)
}

func (p printer) StateChanged(st call.State) {
	p.out("call state: %s", st)
}

func (p printer) IncomingCall(from string, group bool) {
	p.out("incoming call from %s (group=%v), /accept or /reject", from, group)
}

func (p printer) CallWindow(peers []string, group bool) {
	p.out("in call with %s (group=%v)", strings.Join(peers, ", "), group)
}

func (p printer) RemoteMedia(peer, kind string) {
	p.out("receiving %s from %s", kind, peer)
}

func (p printer) CallEnded(reason string) {
	p.out("call ended: %s", reason)
}

func (p printer) CallFailed(err error) {
	p.out("call failed: %v", err)
}

type client struct {
	ctx      context.Context
	identity auth.Identity
	pool     *transport.Pool
	store    *store.Store
	media    call.MediaProvider
	negs     call.NegotiatorFactory

	mu       sync.Mutex
	surfaces map[string]*surface.Surface
	active   *surface.Surface
}

// OpenRoom is the Navigator: a call accepted for another room opens it.
func (c *client) OpenRoom(room string) {
	go func() {
		if _, err := c.open(room, ""); err != nil {
			slog.Error("failed to open room", "room", room, "error", err)
		}
	}()
}

func (c *client) open(room, peerName string) (*surface.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.surfaces[room]; ok {
		c.active = s
		return s, nil
	}
	s, err := surface.Open(c.ctx, c.pool, surface.Options{
		Identity:    c.identity,
		Room:        room,
		Peer:        peerName,
		Store:       c.store,
		Media:       c.media,
		Negotiators: c.negs,
		Renderer:    printer{room: room},
		Navigator:   c,
	})
	if err != nil {
		return nil, err
	}
	c.surfaces[room] = s
	c.active = s
	return s, nil
}

func (c *client) current() *surface.Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *client) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.surfaces {
		s.Close()
	}
}

func (c *client) handle(line string) (quit bool) {
	s := c.current()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		fmt.Println(help)
	case "/call":
		if len(fields) < 2 {
			fmt.Println("usage: /call <user>")
			return false
		}
		err = s.StartCall(fields[1])
	case "/group":
		err = s.StartGroupCall()
	case "/accept":
		err = s.Accept()
	case "/reject":
		err = s.Reject()
	case "/hangup":
		err = s.Hangup()
	case "/mute", "/unmute":
		if len(fields) < 2 {
			fmt.Printf("usage: %s <audio|video>\n", fields[0])
			return false
		}
		err = s.SetMuted(fields[1], fields[0] == "/mute")
	case "/open":
		if len(fields) < 2 {
			fmt.Println("usage: /open <room> [peer]")
			return false
		}
		peerName := ""
		if len(fields) > 2 {
			peerName = fields[2]
		}
		_, err = c.open(fields[1], peerName)
	case "/use":
		if len(fields) < 2 {
			fmt.Println("usage: /use <room>")
			return false
		}
		c.mu.Lock()
		next, ok := c.surfaces[fields[1]]
		if ok {
			c.active = next
		}
		c.mu.Unlock()
		if !ok {
			fmt.Printf("room %s is not open\n", fields[1])
		}
	case "/state":
		var snap surface.Snapshot
		snap, err = s.Snapshot()
		if err == nil {
			fmt.Printf("[%s] call=%s view=%s peers=%v muted=%v online=%v connected=%v dropped=%d\n",
				s.Room(), snap.CallState, snap.CallView, snap.Peers, snap.Muted, snap.Online, snap.Connected, snap.Dropped)
		}
	default:
		if strings.HasPrefix(fields[0], "/") {
			fmt.Println(help)
			return false
		}
		_, err = s.Send(line)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "client"
	}
	logger.Init(cfg.Logging)

	identity, err := auth.IdentityFromToken(cfg.Client.Token)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	if cfg.Client.Room == "" {
		log.Fatal("ROOM is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := surface.OpenStore(cfg.Client, identity.Username)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	negs, err := peer.NewFactory(cfg.Client.ICEServers)
	if err != nil {
		log.Fatalf("webrtc: %v", err)
	}

	pool := transport.NewPool(transport.Options{
		URL:            cfg.Client.RelayURL,
		Token:          identity.Token,
		ReconnectDelay: cfg.Client.ReconnectDelay,
	})
	defer pool.Close()

	c := &client{
		ctx:      ctx,
		identity: identity,
		pool:     pool,
		store:    st,
		media:    &peer.Provider{Video: true, Audio: true},
		negs:     negs,
		surfaces: make(map[string]*surface.Surface),
	}
	if _, err := c.open(cfg.Client.Room, cfg.Client.Peer); err != nil {
		log.Fatalf("open %s: %v", cfg.Client.Room, err)
	}
	defer c.closeAll()

	slog.Info("client started", "user", identity.Username, "room", cfg.Client.Room, "relay", cfg.Client.RelayURL)
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || c.handle(line) {
				return
			}
		}
	}
}
