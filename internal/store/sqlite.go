package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

const sqliteFile = "callstate.db"

// SQLite is a file-backed Backend shared by every process on the host that
// opens the same directory. Cross-process changes are picked up through
// fsnotify on the database files, with a slow poll as a fallback for
// writes that do not surface as file events.
type SQLite struct {
	db      *sql.DB
	dir     string
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	subs map[*sqliteSub]struct{}

	kick     chan struct{}
	closed   chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

type sqliteSub struct {
	ctx     context.Context
	key     string
	ch      chan Change
	last    []byte
	present bool
}

// OpenSQLite opens or creates the call-state database in dir.
func OpenSQLite(dir string, pollEvery time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, sqliteFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		db.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}

	s := &SQLite{
		db:       db,
		dir:      dir,
		watcher:  watcher,
		subs:     make(map[*sqliteSub]struct{}),
		kick:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.watchLoop(pollEvery)
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *SQLite) Subscribe(ctx context.Context, key string) (<-chan Change, error) {
	sub := &sqliteSub{ctx: ctx, key: key, ch: make(chan Change, 16)}

	value, err := s.Get(ctx, key)
	switch {
	case err == nil:
		sub.last, sub.present = value, true
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.wake()
		case <-s.closed:
		}
	}()
	return sub.ch, nil
}

func (s *SQLite) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *SQLite) watchLoop(pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	defer close(s.loopDone)

	for {
		select {
		case <-s.closed:
			return
		case <-s.kick:
			s.poll()
		case <-ticker.C:
			s.poll()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(event.Name), sqliteFile) &&
				event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0 {
				s.poll()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[STORE] Watcher error", "dir", s.dir, "error", err)
		}
	}
}

// poll compares every subscriber's last seen value with the database and
// emits a change on difference. Runs only on watchLoop.
func (s *SQLite) poll() {
	s.mu.Lock()
	subs := make([]*sqliteSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			s.drop(sub)
			continue
		}

		value, err := s.Get(sub.ctx, sub.key)
		present := true
		if errors.Is(err, ErrNotFound) {
			present, value = false, nil
		} else if err != nil {
			slog.Warn("[STORE] Poll failed", "key", sub.key, "error", err)
			continue
		}

		if present == sub.present && bytes.Equal(value, sub.last) {
			continue
		}
		sub.present, sub.last = present, value

		select {
		case sub.ch <- Change{Key: sub.key, Value: value}:
		case <-sub.ctx.Done():
			s.drop(sub)
		case <-s.closed:
			return
		}
	}
}

func (s *SQLite) drop(sub *sqliteSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.watcher.Close()
		<-s.loopDone

		s.mu.Lock()
		for sub := range s.subs {
			close(sub.ch)
			delete(s.subs, sub)
		}
		s.mu.Unlock()

		err = s.db.Close()
	})
	return err
}
