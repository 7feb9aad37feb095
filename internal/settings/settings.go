// Package settings persists the user-facing switches of the add-on in a
// small SQLite database and notifies subscribers when one changes.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Known keys.
const (
	KeyEnabled  = "extensionEnabled"
	KeyWhatsapp = "whatsappMode"
)

// ErrUnknownKey is returned for a key outside the known set.
var ErrUnknownKey = errors.New("unknown setting")

// Defaults holds the value of every known key before it is first set.
var Defaults = map[string]bool{
	KeyEnabled:  true,
	KeyWhatsapp: false,
}

// Keys returns the known keys in order.
func Keys() []string {
	keys := make([]string, 0, len(Defaults))
	for k := range Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Change is one updated setting.
type Change struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// Store is the settings database.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("settings: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settings: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: init schema: %w", err)
	}
	return &Store{db: db, subs: make(map[int]func(Change))}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value of key, or its default when never set.
func (s *Store) Get(ctx context.Context, key string) (bool, error) {
	def, ok := Defaults[key]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("[Settings] bad stored value %q for %s, using default", raw, key)
		return def, nil
	}
	return v, nil
}

// Set stores value under key. Subscribers are notified only when the value
// actually changes.
func (s *Store) Set(ctx context.Context, key string, value bool) error {
	old, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatBool(value), now,
	)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	if old != value {
		log.Printf("[Settings] %s = %v", key, value)
		s.notify(Change{Key: key, Value: value})
	}
	return nil
}

// All returns every known key with its current value.
func (s *Store) All(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(Defaults))
	for k, v := range Defaults {
		out[k] = v
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		if _, known := Defaults[k]; !known {
			continue
		}
		if v, err := strconv.ParseBool(raw); err == nil {
			out[k] = v
		}
	}
	return out, rows.Err()
}

// Subscribe registers fn for every change and returns a function that
// removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
