package postaction

import (
	"context"
	"log"
	"strings"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/marker"
	"github.com/standardbeagle/postgrab/internal/retry"
)

// downloadIcon is the arrow-into-tray glyph drawn inside a cloned share
// control.
const downloadIcon = `<title>Download</title>` +
	`<path d="M12 2.5v11m0 0l-3-3m3 3l3-3" stroke="currentColor" stroke-width="2" stroke-linecap="round" stroke-linejoin="round" fill="none"></path>` +
	`<path d="M3.5 15.5v3a2 2 0 0 0 2 2h13a2 2 0 0 0 2-2v-3" stroke="currentColor" stroke-width="2" stroke-linecap="round" stroke-linejoin="round" fill="none"></path>`

// buttonIcon is the normal and hover pair used when the share control is a
// real button, as in the post modal.
const buttonIcon = `<div class="_abm0 _abm1"><svg aria-label="Download" fill="currentColor" height="24" width="24" role="img" viewBox="0 0 24 24">` + downloadIcon + `</svg></div>` +
	`<div class="_abm0 _abl_"><svg aria-label="Download" fill="currentColor" height="24" width="24" role="img" viewBox="0 0 24 24">` + downloadIcon + `</svg></div>`

// addControls waits for share controls to render, then attaches one
// control to every eligible post. Work started under an older generation
// stops once a newer one begins or the Downloader is removed.
func (d *Downloader) addControls(gen uint64) {
	policy := d.cfg.Injection.WithCancel(func() bool { return d.stale(gen) })
	shares, err := retry.Value(d.context(), policy, func(int) ([]dom.Element, bool, error) {
		found := d.cfg.Selectors.ShareControls(d.cfg.Doc)
		return found, len(found) > 0, nil
	})
	if err != nil {
		// Posts without a share control are left alone.
		return
	}

	added := 0
	for _, share := range shares {
		if d.stale(gen) {
			return
		}
		if d.attach(share) {
			added++
		}
	}
	if added > 0 {
		log.Printf("[PostDownloader] attached %d control(s)", added)
	}
}

// Eligible reports whether the post around share holds a video.
func Eligible(share dom.Element) bool {
	container := share.Closest("article")
	if container == nil {
		container = share.Closest("main")
	}
	return container != nil && container.Query("video") != nil
}

// attach inserts a control before share unless the post is not eligible
// or already has one.
func (d *Downloader) attach(share dom.Element) bool {
	if !Eligible(share) {
		return false
	}
	parent := share.Parent()
	if parent == nil {
		return false
	}

	ctl := buildControl(share)
	wrapped := ctl.TagName() == "button" && parent.TagName() == "span"

	slot := parent
	if wrapped {
		if slot = parent.Parent(); slot == nil {
			return false
		}
	}
	if slot.Query(marker.ControlSelector()) != nil {
		return false
	}

	inserted := ctl
	ref := share
	if wrapped {
		// Modal buttons sit in a span; the control gets a matching one.
		span := marker.Tag(d.cfg.Doc.CreateElement("span"), marker.ControlClass)
		if class, ok := parent.Attr("class"); ok {
			for _, c := range strings.Fields(class) {
				span.AddClass(c)
			}
		}
		if err := span.AppendChild(ctl); err != nil {
			log.Printf("[PostDownloader] wrap control: %v", err)
			return false
		}
		inserted, ref = span, parent
	}

	inserted.OnClick(func() {
		// A merge in flight runs to completion even if the page goes away.
		d.spawn(func(ctx context.Context) { d.handleClickLogged(context.WithoutCancel(ctx), inserted) })
	})
	if err := inserted.InsertBefore(ref); err != nil {
		log.Printf("[PostDownloader] insert control: %v", err)
		return false
	}
	return true
}

// buildControl clones share into a tagged download control.
func buildControl(share dom.Element) dom.Element {
	ctl := marker.Tag(share.Clone(), marker.ControlClass)
	ctl.SetAttr("aria-label", "Download")
	ctl.SetAttr("title", "Download")

	if ctl.TagName() == "button" {
		if err := ctl.SetInnerHTML(buttonIcon); err != nil {
			log.Printf("[PostDownloader] icon: %v", err)
		}
		return ctl
	}
	if svg := ctl.Query("svg"); svg != nil {
		svg.SetAttr("aria-label", "Download")
		if err := svg.SetInnerHTML(downloadIcon); err != nil {
			log.Printf("[PostDownloader] icon: %v", err)
		}
	}
	return ctl
}
