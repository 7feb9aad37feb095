// Package download saves merged outputs from their local handle URL into
// the downloads directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownDownload is returned for an id Start never issued.
var ErrUnknownDownload = errors.New("unknown download")

// RetryDelay is the pause before the single retry of a failed save.
const RetryDelay = 100 * time.Millisecond

// Extension is appended to every saved name.
const Extension = ".mp4"

// Status of a download.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Result describes a download.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

type task struct {
	result Result
	done   chan struct{}
}

// Service runs downloads in the background.
type Service struct {
	Dir    string
	Client *http.Client
	// OnFinished, when set, receives every finished download.
	OnFinished func(Result)

	mu    sync.Mutex
	tasks map[string]*task
}

// NewService saves into dir.
func NewService(dir string) *Service {
	return &Service{
		Dir:    dir,
		Client: &http.Client{Timeout: 10 * time.Minute},
		tasks:  make(map[string]*task),
	}
}

// Start begins saving handleURL as <fileName>.mp4 and returns at once.
func (s *Service) Start(handleURL, fileName string) string {
	id := uuid.NewString()
	t := &task{result: Result{ID: id, Status: StatusRunning}, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	go s.run(t, handleURL, fileName)
	return id
}

// Status returns the current state of id.
func (s *Service) Status(id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}
	return t.result, nil
}

// Wait blocks until id finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}
	select {
	case <-t.done:
		return s.Status(id)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Service) run(t *task, handleURL, fileName string) {
	path, err := s.save(handleURL, fileName)
	if err != nil {
		log.Printf("[Download] save %s failed, retrying: %v", fileName, err)
		time.Sleep(RetryDelay)
		path, err = s.save(handleURL, fileName)
	}

	s.mu.Lock()
	if err != nil {
		t.result.Status = StatusFailed
		t.result.Error = err.Error()
		log.Printf("[Download] %s failed: %v", fileName, err)
	} else {
		t.result.Status = StatusDone
		t.result.Path = path
		log.Printf("[Download] saved %s", path)
	}
	res := t.result
	close(t.done)
	s.mu.Unlock()

	if s.OnFinished != nil {
		s.OnFinished(res)
	}
}

func (s *Service) save(handleURL, fileName string) (string, error) {
	resp, err := s.Client.Get(handleURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: HTTP %d", handleURL, resp.StatusCode)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create downloads dir: %w", err)
	}
	path, f, err := createUnique(s.Dir, fileName)
	if err != nil {
		return "", err
	}

	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// createUnique opens a new file in dir named after fileName, adding " (n)"
// before the extension until the name is free.
func createUnique(dir, fileName string) (string, *os.File, error) {
	base := strings.TrimSuffix(fileName, Extension)
	for n := 0; n < 1000; n++ {
		name := base + Extension
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", base, n, Extension)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("create %s: %w", path, err)
		}
		return path, f, nil
	}
	return "", nil, fmt.Errorf("no free name for %s", fileName)
}
