package postaction

import (
	"context"
	"errors"
	"log"
	"net/url"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/marker"
	"github.com/standardbeagle/postgrab/internal/retry"
)

// claimAutoDownload reports whether the page was opened with the
// auto-download marker and, if so, strips the marker right away so a reload
// lands on a plain detail page. One Downloader claims at most once.
func (d *Downloader) claimAutoDownload() bool {
	loc := d.cfg.Doc.Location()
	if loc.Query().Get(manifest.AutoDownloadParam) == "" || !manifest.IsDetailURL(loc) {
		return false
	}

	d.mu.Lock()
	if d.autoTriggered {
		d.mu.Unlock()
		log.Printf("[PostDownloader] auto-download already triggered")
		return false
	}
	d.autoTriggered = true
	d.mu.Unlock()

	d.cfg.Window.ReplaceURL(stripAutoDownload(loc))
	return true
}

// startAutoDownload polls for a control and clicks it.
func (d *Downloader) startAutoDownload() {
	log.Printf("[PostDownloader] auto-download requested, waiting for control")
	policy := d.cfg.AutoDownload.WithCancel(d.removed)
	d.spawn(func(ctx context.Context) {
		ctl, err := retry.Value(ctx, policy, func(int) (dom.Element, bool, error) {
			el := d.cfg.Doc.Query(marker.ControlSelector())
			return el, el != nil, nil
		})
		switch {
		case err == nil:
			log.Printf("[PostDownloader] control ready, clicking")
			ctl.Click()
		case errors.Is(err, retry.ErrExhausted):
			log.Printf("[PostDownloader] auto-download gave up: control never appeared")
		default:
			log.Printf("[PostDownloader] auto-download stopped: %v", err)
		}
	})
}

// stripAutoDownload returns u without the auto-download marker. Other
// query parameters, such as the carousel index, are kept.
func stripAutoDownload(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	q.Del(manifest.AutoDownloadParam)
	out.RawQuery = q.Encode()
	return &out
}

// interceptNavigation turns a client-side navigation to another post into
// a full page load, which is the only way the detail page reliably embeds
// its manifest. Clicks inside a control and links to the post already on
// screen are left to the page. A repeat of the last converted URL is
// swallowed while that load is in flight; the document that issued it is
// the only one that remembers it.
func (d *Downloader) interceptNavigation(ev dom.NavigationEvent) bool {
	if ev.FromControl {
		return false
	}
	target, err := url.Parse(ev.Href)
	if err != nil {
		return false
	}
	id := manifest.PostIDFromURL(target)
	if id == "" {
		return false
	}
	if id == manifest.PostIDFromURL(d.cfg.Doc.Location()) {
		return false
	}

	d.mu.Lock()
	repeat := d.lastNav == ev.Href
	d.lastNav = ev.Href
	d.mu.Unlock()
	if repeat {
		return true
	}

	log.Printf("[PostDownloader] full load of %s", ev.Href)
	d.cfg.Window.Assign(ev.Href)
	return true
}
