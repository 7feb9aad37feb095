// Package merge is the request/response contract between the page side
// and the background merger.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// TypeMerge is the only request type the merger accepts.
const TypeMerge = "merge"

// ErrNoResponse means the merger never answered: closed channel, crashed
// daemon, transport error. Callers treat it exactly like a failed merge.
var ErrNoResponse = errors.New("no response from merger")

// Request asks the merger to fetch both streams and remux them into
// OutputFileName (without extension).
type Request struct {
	Type           string `json:"type"`
	VideoURL       string `json:"videoUrl"`
	AudioURL       string `json:"audioUrl"`
	OutputFileName string `json:"outputFileName"`
	WhatsappMode   bool   `json:"whatsappMode,omitempty"`
}

// NewRequest builds a merge request.
func NewRequest(videoURL, audioURL, name string, whatsapp bool) Request {
	return Request{
		Type:           TypeMerge,
		VideoURL:       videoURL,
		AudioURL:       audioURL,
		OutputFileName: name,
		WhatsappMode:   whatsapp,
	}
}

// Validate checks the fields the merger relies on.
func (r Request) Validate() error {
	if r.Type != TypeMerge {
		return fmt.Errorf("unsupported request type %q", r.Type)
	}
	if r.VideoURL == "" {
		return errors.New("videoUrl is required")
	}
	if r.OutputFileName == "" {
		return errors.New("outputFileName is required")
	}
	if strings.ContainsAny(r.OutputFileName, `/\`) || r.OutputFileName == "." || r.OutputFileName == ".." {
		return fmt.Errorf("invalid outputFileName %q", r.OutputFileName)
	}
	return nil
}

// Response is {success:true, blobUrl} or {success:false, error}.
type Response struct {
	Success bool   `json:"success"`
	BlobURL string `json:"blobUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an error response.
func Failed(err error) Response {
	msg := "Merge failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Response{Success: false, Error: msg}
}

// Succeeded builds a success response.
func Succeeded(blobURL string) Response {
	return Response{Success: true, BlobURL: blobURL}
}

// Requester sends a merge request and waits for the reply.
type Requester interface {
	Merge(ctx context.Context, req Request) (Response, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, req Request) (Response, error)

func (f RequesterFunc) Merge(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Send calls r and folds transport problems into ErrNoResponse, so the
// caller only has to look at the Response.
func Send(ctx context.Context, r Requester, req Request) (Response, error) {
	if r == nil {
		return Response{}, ErrNoResponse
	}
	resp, err := r.Merge(ctx, req)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return resp, nil
}

// DecodeResponse parses a reply. An empty or null payload counts as no
// response.
func DecodeResponse(data []byte) (Response, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return Response{}, ErrNoResponse
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return resp, nil
}

// Policy decides what happens to a request for a video that is already
// being merged.
type Policy string

const (
	// Allow sends every request independently.
	Allow Policy = "allow"
	// Coalesce joins the in-flight request for the same video URL.
	Coalesce Policy = "coalesce"
)

// ParsePolicy accepts "allow", "coalesce" and "" (Allow).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Allow:
		return Allow, nil
	case Coalesce:
		return Coalesce, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// Dedup wraps a Requester with a duplicate policy.
type Dedup struct {
	next   Requester
	policy Policy

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	resp Response
	err  error
	dups int
}

// NewDedup returns next wrapped with policy.
func NewDedup(next Requester, policy Policy) *Dedup {
	if policy == "" {
		policy = Allow
	}
	return &Dedup{next: next, policy: policy, inflight: make(map[string]*call)}
}

// Policy returns the active policy.
func (d *Dedup) Policy() Policy { return d.policy }

func (d *Dedup) Merge(ctx context.Context, req Request) (Response, error) {
	if d.policy != Coalesce {
		return d.next.Merge(ctx, req)
	}

	key := req.VideoURL
	d.mu.Lock()
	if c, ok := d.inflight[key]; ok {
		c.dups++
		d.mu.Unlock()
		select {
		case <-c.done:
			return c.resp, c.err
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	d.inflight[key] = c
	d.mu.Unlock()

	c.resp, c.err = d.next.Merge(ctx, req)

	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
	close(c.done)
	return c.resp, c.err
}
