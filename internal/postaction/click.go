package postaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"
	"strconv"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/notice"
)

// Lookup failures of the click flow. All of them are NotFound.
var (
	ErrNoPostID   = fmt.Errorf("%w: post id", manifest.ErrNotFound)
	ErrNoVideo    = fmt.Errorf("%w: video element", manifest.ErrNotFound)
	ErrNoVideoURL = fmt.Errorf("%w: video url", manifest.ErrNotFound)
)

// ErrMergeFailed is an explicit failure reported by the merger.
var ErrMergeFailed = errors.New("merge failed")

const (
	dialogSelector    = `div[role="dialog"]`
	mainVideoSelector = `main[role="main"] video`
	mainSelector      = `main[role="main"]`
	imageIndexParam   = "img_index"
	defaultHost       = "www.instagram.com"
	unknownAccount    = "unknown"
)

// Outcome describes what a click did.
type Outcome struct {
	// Opened is the detail URL opened in a new context, if any.
	Opened   string
	Request  merge.Request
	Response merge.Response
}

// HandleClick runs the click flow for control. Off the detail page, or
// with a dialog open, the post is opened in a new context with the
// auto-download marker. On the detail page the selected video is merged.
// Every failure has already been shown to the user when it is returned.
func (d *Downloader) HandleClick(ctx context.Context, control dom.Element) (Outcome, error) {
	doc := d.cfg.Doc
	loc := doc.Location()
	detail := manifest.IsDetailURL(loc)
	modal := doc.Query(dialogSelector) != nil

	if !detail || modal {
		id := manifest.PostIDFromArticle(doc, control.Closest("article"))
		if id == "" {
			d.show(notice.Warnf(notice.MsgNoPostIDNavigate))
			return Outcome{}, ErrNoPostID
		}
		target := manifest.DetailURL(hostOf(loc), id, true)
		log.Printf("[PostDownloader] opening %s (modal=%v)", target, modal)
		d.cfg.Window.Open(target)
		return Outcome{Opened: target}, nil
	}

	video := selectVideo(doc.QueryAll(mainVideoSelector), loc.Query().Get(imageIndexParam))
	if video == nil {
		d.show(notice.Warnf(notice.MsgNoVideo))
		return Outcome{}, ErrNoVideo
	}
	return d.download(ctx, video, control)
}

func (d *Downloader) handleClickLogged(ctx context.Context, control dom.Element) {
	if _, err := d.HandleClick(ctx, control); err != nil {
		log.Printf("[PostDownloader] click: %v", err)
	}
}

// selectVideo picks the video addressed by a carousel index. Without an
// index the first video is used. Fewer than three rendered videos are
// addressed directly; with three or more the carousel has rendered its
// neighbours and the current item is the middle one.
func selectVideo(videos []dom.Element, index string) dom.Element {
	if len(videos) == 0 {
		return nil
	}
	if index == "" {
		return videos[0]
	}
	if len(videos) >= 3 {
		return videos[1]
	}
	i, err := strconv.Atoi(index)
	if err != nil || i < 1 || i > len(videos) {
		return nil
	}
	return videos[i-1]
}

// download resolves and merges the stream pair of video.
func (d *Downloader) download(ctx context.Context, video, control dom.Element) (Outcome, error) {
	doc := d.cfg.Doc
	id := manifest.PostIDFromArticle(doc, video.Closest("article"))
	if id == "" {
		d.show(notice.Warnf(notice.MsgNoPostID))
		return Outcome{}, ErrNoPostID
	}

	policy := d.cfg.ManifestReady.WithCancel(d.removed)
	pair, err := d.cfg.Locator.FindWithRetry(ctx, doc, id, policy)
	if err != nil {
		d.show(d.noticeFor(err))
		return Outcome{}, err
	}
	if pair.VideoURL == "" {
		d.show(notice.Warnf(notice.MsgNoVideoURL))
		return Outcome{}, ErrNoVideoURL
	}

	seconds := dom.Duration(video)
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		seconds = pair.Duration.Seconds()
	}
	account := d.accountName(control)
	name := d.cfg.Namer.Name(account, seconds, d.cfg.WhatsappMode)
	req := merge.NewRequest(pair.VideoURL, pair.AudioURL, name, d.cfg.WhatsappMode)

	log.Printf("[PostDownloader] merging post %s as %s", id, name)
	h := d.show(notice.Notice{Text: notice.MsgProcessing, Sticky: true})
	resp, err := merge.Send(ctx, d.cfg.Merger, req)
	d.cfg.Notifier.Dismiss(h)

	out := Outcome{Request: req, Response: resp}
	if err != nil {
		d.show(d.noticeFor(err))
		return out, err
	}
	if !resp.Success {
		d.show(notice.MergeFailed(resp.Error))
		return out, fmt.Errorf("%w: %s", ErrMergeFailed, resp.Error)
	}
	d.show(notice.Notice{Text: notice.MsgDownloadStarted, Timeout: startedTimeout})
	return out, nil
}

// noticeFor maps the error taxonomy onto user notices.
func (d *Downloader) noticeFor(err error) notice.Notice {
	switch {
	case errors.Is(err, manifest.ErrTimeout), errors.Is(err, manifest.ErrNotFound):
		if manifest.IsDetailURL(d.cfg.Doc.Location()) {
			return notice.Notice{Text: notice.MsgNotLoaded, Kind: notice.Warn, Timeout: notice.LongTimeout}
		}
		return notice.Notice{Text: notice.MsgOpenPostFirst, Kind: notice.Warn, Timeout: notice.LongTimeout}
	case errors.Is(err, merge.ErrNoResponse):
		return notice.MergeFailed(err.Error())
	default:
		return notice.Warnf(notice.MsgCouldNotMerge)
	}
}

// accountName finds the author of the post around control, then of the
// main view, then falls back to a placeholder.
func (d *Downloader) accountName(control dom.Element) string {
	if name := d.cfg.Selectors.AccountName(control.Closest("article")); name != "" {
		return name
	}
	if name := d.cfg.Selectors.AccountNameIn(d.cfg.Doc, mainSelector); name != "" {
		return name
	}
	return unknownAccount
}

func hostOf(u *url.URL) string {
	if u == nil || u.Host == "" {
		return defaultHost
	}
	return u.Host
}
