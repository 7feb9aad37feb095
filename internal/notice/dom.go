package notice

import (
	"log"
	"sync"
	"time"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/marker"
)

const alertMarkup = `<i class="close"></i><div class="alert-message"></div>`

// DOMNotifier renders notices as alert boxes inside one wrapper appended
// to the page body. Every inserted node carries a reserved class.
type DOMNotifier struct {
	doc dom.Document

	mu      sync.Mutex
	wrapper dom.Element
	next    Handle
	live    map[Handle]*liveAlert
}

type liveAlert struct {
	el    dom.Element
	timer *time.Timer
}

// NewDOMNotifier returns a notifier drawing into doc.
func NewDOMNotifier(doc dom.Document) *DOMNotifier {
	return &DOMNotifier{doc: doc, live: make(map[Handle]*liveAlert)}
}

func (d *DOMNotifier) Show(n Notice) Handle {
	d.mu.Lock()
	d.next++
	h := d.next
	d.mu.Unlock()

	el := d.build(n, h)
	d.mu.Lock()
	d.live[h] = &liveAlert{el: el}
	d.mu.Unlock()

	wrapper := d.ensureWrapper()
	if wrapper == nil {
		log.Printf("[Notice] page has no body, dropping %q", n.Text)
		d.forget(h)
		return h
	}
	if err := wrapper.AppendChild(el); err != nil {
		log.Printf("[Notice] insert failed: %v", err)
		d.forget(h)
		return h
	}

	if t := n.timeout(); t > 0 {
		d.mu.Lock()
		if a, ok := d.live[h]; ok {
			a.timer = time.AfterFunc(t, func() { d.Dismiss(h) })
		}
		d.mu.Unlock()
	}
	return h
}

func (d *DOMNotifier) Dismiss(h Handle) {
	a := d.forget(h)
	if a == nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.el.Remove()
}

// Live returns the number of alerts on the page.
func (d *DOMNotifier) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *DOMNotifier) forget(h Handle) *liveAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.live[h]
	if !ok {
		return nil
	}
	delete(d.live, h)
	return a
}

func (d *DOMNotifier) build(n Notice, h Handle) dom.Element {
	el := marker.Tag(d.doc.CreateElement("div"), marker.AlertClass)
	el.AddClass(string(n.kind()))
	if err := el.SetInnerHTML(alertMarkup); err != nil {
		log.Printf("[Notice] %v", err)
	}
	if msg := el.Query(".alert-message"); msg != nil {
		msg.SetText(n.Text)
	}
	if closer := el.Query(".close"); closer != nil {
		if n.Sticky {
			closer.Remove()
		} else {
			closer.OnClick(func() { d.Dismiss(h) })
		}
	}
	return el
}

// ensureWrapper returns the shared wrapper, attaching it on first use. A
// host re-render can drop it, in which case a fresh one is attached.
func (d *DOMNotifier) ensureWrapper() dom.Element {
	d.mu.Lock()
	w := d.wrapper
	d.mu.Unlock()
	if w != nil && w.Parent() != nil {
		return w
	}

	body := d.doc.Body()
	if body == nil {
		return nil
	}
	w = marker.Tag(d.doc.CreateElement("div"), marker.AlertWrapperClass)
	if err := body.AppendChild(w); err != nil {
		return nil
	}
	d.mu.Lock()
	d.wrapper = w
	d.mu.Unlock()
	return w
}
