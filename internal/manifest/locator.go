// Package manifest finds the DASH manifest of one post among the JSON
// payloads a page embeds in its script tags, and picks the best video and
// audio streams out of it.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/retry"
)

var (
	// ErrNotFound means no manifest, or no video stream, for the post.
	ErrNotFound = errors.New("manifest not found")
	// ErrTimeout means the page never embedded the manifest in time.
	ErrTimeout = errors.New("manifest not ready")
	// ErrParse marks a malformed payload or manifest. It never escapes a
	// scan: the candidate is skipped.
	ErrParse = errors.New("malformed manifest data")
)

// MaxDepth bounds every walk over embedded data.
const MaxDepth = 30

// Defaults of the embedded data contract.
var (
	DefaultMarker = "video_dash_manifest"
	DefaultIDKeys = []string{"shortcode", "code", "pk"}
)

// Locator scans script payloads for the manifest of a post.
type Locator struct {
	// Marker is the field holding the manifest text. Its presence in the
	// raw script text is the cheap pre-filter.
	Marker string
	// IDKeys are the aliases under which the post identifier appears next
	// to the manifest.
	IDKeys []string
	// Verbose logs each scan.
	Verbose bool
}

// NewLocator returns a Locator for the default data contract.
func NewLocator() *Locator {
	return &Locator{Marker: DefaultMarker, IDKeys: DefaultIDKeys}
}

// Candidate is a manifest string found next to a matching identifier.
type Candidate struct {
	Script   int
	Depth    int
	Manifest string
}

// Candidates returns every manifest tagged with postID, in script order
// and walk order. Payloads that are not valid JSON are skipped.
func (l *Locator) Candidates(scripts []string, postID string) []Candidate {
	if postID == "" {
		return nil
	}
	var out []Candidate
	for i, text := range scripts {
		if !strings.Contains(text, l.Marker) {
			continue
		}
		text = strings.TrimSpace(text)
		if !gjson.Valid(text) {
			continue
		}
		l.walk(gjson.Parse(text), postID, 0, func(manifest string, depth int) {
			out = append(out, Candidate{Script: i, Depth: depth, Manifest: manifest})
		})
	}
	return out
}

// walk visits node and its descendants down to MaxDepth. At every object
// with a string manifest field whose enclosing object carries postID under
// one of the id keys, found is called.
func (l *Locator) walk(node gjson.Result, postID string, depth int, found func(string, int)) {
	if depth > MaxDepth || !(node.IsObject() || node.IsArray()) {
		return
	}

	if node.IsObject() {
		if m := node.Get(gjson.Escape(l.Marker)); m.Type == gjson.String && m.Str != "" {
			if l.hasID(node, postID, 0) {
				found(m.Str, depth)
			}
		}
	}

	node.ForEach(func(_, child gjson.Result) bool {
		l.walk(child, postID, depth+1, found)
		return true
	})
}

// hasID reports whether obj contains, at any depth up to MaxDepth, one of
// the id keys with a scalar value equal to postID.
func (l *Locator) hasID(node gjson.Result, postID string, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	match := false
	node.ForEach(func(key, child gjson.Result) bool {
		if node.IsObject() && l.isIDKey(key.Str) && scalarEquals(child, postID) {
			match = true
			return false
		}
		if child.IsObject() || child.IsArray() {
			if l.hasID(child, postID, depth+1) {
				match = true
				return false
			}
		}
		return true
	})
	return match
}

func (l *Locator) isIDKey(k string) bool {
	for _, id := range l.IDKeys {
		if id == k {
			return true
		}
	}
	return false
}

func scalarEquals(v gjson.Result, want string) bool {
	switch v.Type {
	case gjson.String:
		return v.Str == want
	case gjson.Number:
		return v.Raw == want
	default:
		return false
	}
}

// Find returns the best stream pair of the first manifest tagged with
// postID, in script and document order. Candidates without a video stream
// or with a malformed manifest are skipped.
func (l *Locator) Find(doc dom.Document, postID string) (Pair, error) {
	return l.FindIn(doc.Scripts(), postID)
}

// FindIn is Find over raw script texts.
func (l *Locator) FindIn(scripts []string, postID string) (Pair, error) {
	for _, c := range l.Candidates(scripts, postID) {
		p, err := SelectBest(c.Manifest)
		if err != nil {
			if l.Verbose {
				log.Printf("[Locator] skipping manifest in script %d: %v", c.Script, err)
			}
			continue
		}
		if l.Verbose {
			log.Printf("[Locator] post %s: video %d bps, audio %d bps", postID, p.VideoBandwidth, p.AudioBandwidth)
		}
		return p, nil
	}
	return Pair{}, fmt.Errorf("%w: post %s", ErrNotFound, postID)
}

// FindWithRetry repeats Find under p until the page has embedded the
// manifest. When p runs out it returns ErrTimeout wrapping the last
// lookup error.
func (l *Locator) FindWithRetry(ctx context.Context, doc dom.Document, postID string, p retry.Policy) (Pair, error) {
	last := ErrNotFound
	pair, err := retry.Value(ctx, p, func(attempt int) (Pair, bool, error) {
		pair, err := l.Find(doc, postID)
		if err != nil {
			last = err
			if attempt > 0 {
				log.Printf("[Locator] post %s not embedded yet (attempt %d/%d)", postID, attempt, p.MaxAttempts)
			}
			return Pair{}, false, nil
		}
		return pair, true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return Pair{}, fmt.Errorf("%w: %w", ErrTimeout, last)
	}
	return pair, err
}
