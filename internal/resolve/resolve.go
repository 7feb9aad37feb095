// Package resolve runs the post lookup offline: from a saved page or a
// fetched URL to the stream pair and output name a click would produce.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/dom/memdom"
	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/postaction"
	"github.com/standardbeagle/postgrab/internal/remux"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

// DefaultLocation is assumed for a saved page without one.
const DefaultLocation = "https://www.instagram.com/"

// ErrNoPostID is returned when neither the page nor its location names a
// post.
var ErrNoPostID = fmt.Errorf("%w: post id", manifest.ErrNotFound)

// Result is a resolved post.
type Result struct {
	PostID  string        `json:"post_id"`
	Account string        `json:"account"`
	Seconds float64       `json:"seconds"`
	Name    string        `json:"name"`
	Pair    manifest.Pair `json:"-"`
	Request merge.Request `json:"request"`
}

// Resolver loads pages and resolves the post on them.
type Resolver struct {
	Fetcher   *remux.Fetcher
	Locator   *manifest.Locator
	Selectors selectors.Registry
	Namer     *postaction.Namer
}

// New returns a Resolver with default collaborators.
func New(fetcher *remux.Fetcher, sel selectors.Registry) *Resolver {
	if fetcher == nil {
		fetcher = remux.NewFetcher(remux.DefaultRate)
	}
	if sel.ShareControl == "" {
		sel = selectors.Default()
	}
	return &Resolver{
		Fetcher:   fetcher,
		Locator:   manifest.NewLocator(),
		Selectors: sel,
		Namer:     postaction.NewNamer(nil),
	}
}

// IsURL reports whether source is an http(s) address rather than a file.
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Load parses source, a post URL or an HTML file. location overrides the
// page address; a URL source is its own location.
func (r *Resolver) Load(ctx context.Context, source, location string) (*memdom.Document, error) {
	if IsURL(source) {
		if location == "" {
			location = source
		}
		tmp, err := os.MkdirTemp("", "postgrab-page-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		path := filepath.Join(tmp, "page.html")
		if _, err := r.Fetcher.Fetch(ctx, source, path); err != nil {
			return nil, fmt.Errorf("fetch page: %w", err)
		}
		source = path
	}
	if location == "" {
		location = DefaultLocation
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return memdom.Parse(f, location)
}

// Resolve loads source and resolves its post.
func (r *Resolver) Resolve(ctx context.Context, source, location string, whatsapp bool) (Result, error) {
	doc, err := r.Load(ctx, source, location)
	if err != nil {
		return Result{}, err
	}
	return r.ResolveDocument(doc, whatsapp)
}

// ResolveDocument resolves the post shown in doc: the one in the first
// article holding a video, or the one the location names.
func (r *Resolver) ResolveDocument(doc dom.Document, whatsapp bool) (Result, error) {
	var article dom.Element
	var video dom.Element
	if v := doc.Query("article video"); v != nil {
		video, article = v, v.Closest("article")
	} else {
		video = doc.Query("video")
	}

	id := manifest.PostIDFromArticle(doc, article)
	if id == "" {
		return Result{}, ErrNoPostID
	}
	pair, err := r.Locator.FindIn(doc.Scripts(), id)
	if err != nil {
		return Result{}, err
	}
	if pair.VideoURL == "" {
		return Result{}, fmt.Errorf("%w: video url", manifest.ErrNotFound)
	}

	seconds := math.NaN()
	if video != nil {
		seconds = dom.Duration(video)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		seconds = pair.Duration.Seconds()
	}
	account := r.account(doc, article)
	name := r.Namer.Name(account, seconds, whatsapp)
	return Result{
		PostID:  id,
		Account: account,
		Seconds: seconds,
		Name:    name,
		Pair:    pair,
		Request: merge.NewRequest(pair.VideoURL, pair.AudioURL, name, whatsapp),
	}, nil
}

func (r *Resolver) account(doc dom.Document, article dom.Element) string {
	if name := r.Selectors.AccountName(article); name != "" {
		return name
	}
	if name := r.Selectors.AccountNameIn(doc, `main[role="main"]`); name != "" {
		return name
	}
	return "unknown"
}

// PostURL normalizes a post address, dropping query and fragment.
func PostURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	id := manifest.PostIDFromURL(u)
	if id == "" {
		return "", errors.New("not a post url: " + raw)
	}
	host := u.Host
	if host == "" {
		host = "www.instagram.com"
	}
	return manifest.DetailURL(host, id, false), nil
}
