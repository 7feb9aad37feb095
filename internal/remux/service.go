package remux

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/standardbeagle/postgrab/internal/blob"
	"github.com/standardbeagle/postgrab/internal/merge"
)

// Runner probes and remuxes local files. *FFmpeg is the production Runner.
type Runner interface {
	Duration(ctx context.Context, path string) (float64, error)
	Remux(ctx context.Context, video, audio, out string, duration float64, progress ProgressFunc) error
}

// Service answers merge requests: fetch both streams, remux them and keep
// the result in the blob store.
type Service struct {
	Fetcher *Fetcher
	Runner  Runner
	Store   *blob.Store
	// TempDir holds per-request work directories. Empty uses the system
	// temp dir.
	TempDir string
	// Progress, when set, receives remux progress per output name.
	Progress func(name string, percent float64)
}

// NewService returns a Service with the given collaborators.
func NewService(f *Fetcher, r Runner, store *blob.Store) *Service {
	return &Service{Fetcher: f, Runner: r, Store: store}
}

// Merge implements merge.Requester. Every failure is reported in the
// response; the error is always nil.
func (s *Service) Merge(ctx context.Context, req merge.Request) (merge.Response, error) {
	e, err := s.merge(ctx, req)
	if err != nil {
		log.Printf("[Remux] %s failed: %v", req.OutputFileName, err)
		return merge.Failed(err), nil
	}
	log.Printf("[Remux] %s ready as %s", e.Name, e.ID)
	return merge.Succeeded(s.Store.URL(e.ID)), nil
}

func (s *Service) merge(ctx context.Context, req merge.Request) (blob.Entry, error) {
	if err := req.Validate(); err != nil {
		return blob.Entry{}, err
	}
	work, err := os.MkdirTemp(s.TempDir, "postgrab-")
	if err != nil {
		return blob.Entry{}, fmt.Errorf("work dir: %w", err)
	}
	defer os.RemoveAll(work)

	video := filepath.Join(work, "video"+OutputExtension)
	if _, err := s.Fetcher.Fetch(ctx, req.VideoURL, video); err != nil {
		return blob.Entry{}, fmt.Errorf("fetch video: %w", err)
	}
	var audio string
	if req.AudioURL != "" {
		audio = filepath.Join(work, "audio"+OutputExtension)
		if _, err := s.Fetcher.Fetch(ctx, req.AudioURL, audio); err != nil {
			return blob.Entry{}, fmt.Errorf("fetch audio: %w", err)
		}
	}

	duration, err := s.Runner.Duration(ctx, video)
	if err != nil {
		log.Printf("[Remux] no duration for %s: %v", req.OutputFileName, err)
		duration = 0
	}

	name := req.OutputFileName + OutputExtension
	out := filepath.Join(work, "output"+OutputExtension)
	progress := func(p float64) {
		if s.Progress != nil {
			s.Progress(req.OutputFileName, p)
		}
	}
	if err := s.Runner.Remux(ctx, video, audio, out, duration, progress); err != nil {
		return blob.Entry{}, err
	}
	return s.Store.Put(out, name)
}
