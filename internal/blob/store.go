// Package blob keeps merged outputs addressable by a short-lived local URL
// and streams daemon events to websocket subscribers.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownBlob is returned for an id the store does not hold.
var ErrUnknownBlob = errors.New("unknown blob")

// DefaultTTL is how long a blob stays addressable.
const DefaultTTL = 30 * time.Minute

// Entry describes a stored blob.
type Entry struct {
	ID      string
	Name    string
	Path    string
	Size    int64
	Created time.Time
}

// Store holds blob files in one directory.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	baseURL string
}

// NewStore creates dir if needed and returns an empty store.
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{
		dir:     dir,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Entry),
	}, nil
}

// Dir returns the directory blobs live in.
func (s *Store) Dir() string { return s.dir }

// SetBaseURL sets the prefix URL returns, e.g. http://127.0.0.1:7331.
func (s *Store) SetBaseURL(base string) {
	s.mu.Lock()
	s.baseURL = base
	s.mu.Unlock()
}

// URL returns the handle URL of id.
func (s *Store) URL(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL + "/blob/" + id
}

// Put moves the file at src into the store under a fresh id. name is the
// file name offered to clients.
func (s *Store) Put(src, name string) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("blob id: %w", err)
	}
	dst := filepath.Join(s.dir, id.String()+filepath.Ext(name))
	if err := moveFile(src, dst); err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return Entry{}, fmt.Errorf("stat blob: %w", err)
	}
	e := Entry{ID: id.String(), Name: name, Path: dst, Size: info.Size(), Created: s.now()}

	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
	log.Printf("[Blob] stored %s as %s (%d bytes)", name, e.ID, e.Size)
	return e, nil
}

// Get returns the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || s.expired(e) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownBlob, id)
	}
	return e, nil
}

// Delete drops id and its file.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		os.Remove(e.Path)
	}
}

// Sweep deletes expired blobs and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	var stale []Entry
	for id, e := range s.entries {
		if s.expired(e) {
			stale = append(stale, e)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		os.Remove(e.Path)
	}
	if len(stale) > 0 {
		log.Printf("[Blob] swept %d expired blobs", len(stale))
	}
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) expired(e Entry) bool {
	return s.now().Sub(e.Created) > s.ttl
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy blob: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
