// Package store holds the cross-surface projection of the local call: one
// SharedCallRecord per key, replaced whole on every write and treated as
// absent once older than its TTL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"go-signaling/internal/models"
)

// DefaultTTL bounds how long a record written by a surface that never
// cleared it stays visible.
const DefaultTTL = 120 * time.Second

var ErrNotFound = errors.New("store: key not found")

// Change is a backend notification; a nil Value means the key was deleted.
type Change struct {
	Key   string
	Value []byte
}

// Backend is a durable key/value store whose changes are observable from
// independent processes.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Subscribe streams changes of key until ctx is cancelled.
	Subscribe(ctx context.Context, key string) (<-chan Change, error)
	Close() error
}

type RecordType string

const (
	RecordIncoming RecordType = "incoming"
	RecordActive   RecordType = "active"
)

// Record is the declarative, cross-surface view of a call.
type Record struct {
	Type    RecordType                 `json:"type"`
	From    string                     `json:"from,omitempty"`
	Peer    string                     `json:"peer,omitempty"`
	Peers   []string                   `json:"peers,omitempty"`
	Room    string                     `json:"room"`
	IsGroup bool                       `json:"isGroup"`
	Offer   *models.SessionDescription `json:"offer,omitempty"`
	// Accepted marks an incoming call accepted on a surface showing another
	// room; the surface showing Room completes the answer.
	Accepted bool   `json:"accepted,omitempty"`
	Surface  string `json:"surface,omitempty"`
	// Timestamp is unix milliseconds of the last write.
	Timestamp int64 `json:"timestamp"`
}

func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return r.Age(now) > ttl
}

// Counterpart is the other party: the caller of an incoming record, the
// callee of an active one.
func (r Record) Counterpart() string {
	if r.Type == RecordIncoming && r.From != "" {
		return r.From
	}
	if r.Peer != "" {
		return r.Peer
	}
	return r.From
}

// Notification is a decoded change. Record is nil when the key was cleared,
// expired or unreadable.
type Notification struct {
	Record *Record
}

type Store struct {
	backend Backend
	key     string
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(backend Backend, key string, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     key,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Load returns the current record, or nil if there is none or it expired.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	rec, err := s.read(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(s.now(), s.ttl) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) read(ctx context.Context) (*Record, error) {
	raw, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.key, err)
	}
	rec, ok := s.decode(raw)
	if !ok {
		if err := s.backend.Delete(ctx, s.key); err != nil {
			slog.Warn("[STORE] Failed to clear unreadable record", "key", s.key, "error", err)
		}
		return nil, nil
	}
	return rec, nil
}

func (s *Store) decode(raw []byte) (*Record, bool) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("[STORE] Unreadable record", "key", s.key, "error", err)
		return nil, false
	}
	return &rec, true
}

// Save replaces the record, stamping it with the current time.
func (s *Store) Save(ctx context.Context, rec Record) (Record, error) {
	rec.Timestamp = s.now().UnixMilli()
	payload, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode record: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, payload); err != nil {
		return rec, fmt.Errorf("save %s: %w", s.key, err)
	}
	return rec, nil
}

// Clear removes the record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear %s: %w", s.key, err)
	}
	return nil
}

// Sweep removes a record that outlived the TTL and reports whether it did.
func (s *Store) Sweep(ctx context.Context) (bool, error) {
	rec, err := s.read(ctx)
	if err != nil || rec == nil {
		return false, err
	}
	if !rec.Expired(s.now(), s.ttl) {
		return false, nil
	}
	slog.Info("[STORE] Record expired", "key", s.key, "type", rec.Type, "room", rec.Room, "age", rec.Age(s.now()))
	return true, s.Clear(ctx)
}

// Watch decodes backend changes into notifications until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan Notification, error) {
	changes, err := s.backend.Subscribe(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", s.key, err)
	}

	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		for ch := range changes {
			var n Notification
			if ch.Value != nil {
				if rec, ok := s.decode(ch.Value); ok && !rec.Expired(s.now(), s.ttl) {
					n.Record = rec
				}
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
