package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)
)

// Open opens the SQLite database backing the store and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		path       TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_kv_path ON kv(path);
	`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore is the sqlite-backed Store with in-process change fan-out.
type SQLiteStore struct {
	log zerolog.Logger
	db  *sql.DB

	// writeMu makes each mutation (read-check + write + event build) a
	// single atomic step so watchers see a consistent added/changed split.
	writeMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[int64]*watcher
	nextID   int64
}

var _ Store = (*SQLiteStore)(nil)

// New creates a store on top of an opened database.
func New(log zerolog.Logger, db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		log:      log.With().Str("component", "statestore").Logger(),
		db:       db,
		watchers: make(map[int64]*watcher),
	}
}

// Get returns the leaf at path, or the assembled subtree object.
func (s *SQLiteStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&value)
	if err == nil {
		return json.RawMessage(value), nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, value FROM kv WHERE path LIKE ? ORDER BY path`, path+"/%")
	if err != nil {
		return nil, fmt.Errorf("get subtree %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	root := make(map[string]any)
	found := false
	for rows.Next() {
		var p, v string
		if err := rows.Scan(&p, &v); err != nil {
			continue
		}
		found = true
		insertLeaf(root, strings.Split(strings.TrimPrefix(p, path+"/"), "/"), json.RawMessage(v))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get subtree %s: %w", path, err)
	}
	if !found {
		return nil, nil
	}

	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("assemble subtree %s: %w", path, err)
	}
	return data, nil
}

func insertLeaf(node map[string]any, segments []string, value json.RawMessage) {
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

// Set writes or replaces the leaf at path.
func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	s.writeMu.Lock()
	existed, err := s.exists(ctx, path)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, path, string(data), time.Now())
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	typ := EventAdded
	if existed {
		typ = EventChanged
	}
	s.notify(Event{Type: typ, Path: path, Value: data})
	return nil
}

// Update shallow-merges fields into the leaf at path.
func (s *SQLiteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.writeMu.Lock()

	merged := make(map[string]any)
	var existing string
	existed := true
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&existing)
	if err == sql.ErrNoRows {
		existed = false
	} else if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("update %s: %w", path, err)
	} else {
		// A non-object leaf is simply replaced by the merged fields.
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, path, string(data), time.Now())
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	typ := EventAdded
	if existed {
		typ = EventChanged
	}
	s.notify(Event{Type: typ, Path: path, Value: data})
	return nil
}

// Push appends value under path with a generated key.
func (s *SQLiteStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewPushID()
	if err := s.Set(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes the leaf at path and everything below it.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	s.writeMu.Lock()

	var removed []string
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM kv WHERE path = ? OR path LIKE ?`, path, path+"/%")
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("delete %s: %w", path, err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err == nil {
			removed = append(removed, p)
		}
	}
	_ = rows.Close()

	_, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE path = ? OR path LIKE ?`, path, path+"/%")
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}

	for _, p := range removed {
		s.notify(Event{Type: EventRemoved, Path: p})
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", path, err)
	}
	return true, nil
}

// watcher delivers events for one subscription on its own goroutine so a
// slow or re-entrant handler cannot block writers.
type watcher struct {
	store *SQLiteStore
	id    int64
	path  string
	ch    chan Event
	once  sync.Once
}

func (w *watcher) Close() {
	w.once.Do(func() {
		w.store.watchMu.Lock()
		delete(w.store.watchers, w.id)
		w.store.watchMu.Unlock()
		close(w.ch)
	})
}

// Watch invokes fn for every change at or below path.
func (s *SQLiteStore) Watch(path string, fn func(Event)) Subscription {
	s.watchMu.Lock()
	s.nextID++
	w := &watcher{
		store: s,
		id:    s.nextID,
		path:  path,
		ch:    make(chan Event, 256),
	}
	s.watchers[w.id] = w
	s.watchMu.Unlock()

	go func() {
		for ev := range w.ch {
			fn(ev)
		}
	}()

	return w
}

func (s *SQLiteStore) notify(ev Event) {
	// Sends stay under watchMu so a concurrent Close cannot close a channel
	// mid-send; the sends are non-blocking.
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, w := range s.watchers {
		if ev.Path != w.path && !strings.HasPrefix(ev.Path, w.path+"/") {
			continue
		}
		scoped := ev
		if ev.Path != w.path {
			rel := strings.TrimPrefix(ev.Path, w.path+"/")
			if i := strings.IndexByte(rel, '/'); i >= 0 {
				scoped.Key = rel[:i]
			} else {
				scoped.Key = rel
			}
		}
		select {
		case w.ch <- scoped:
		default:
			// Subscriber buffer full, skip
			s.log.Warn().Str("path", w.path).Msg("dropping change event for slow watcher")
		}
	}
}
