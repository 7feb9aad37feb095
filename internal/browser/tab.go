package browser

import (
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/marker"
)

// Binding names exposed on the page's window object.
const (
	bindMutations = "postgrabMutations"
	bindClick     = "postgrabClick"
	bindNavigate  = "postgrabNavigate"
)

// handlerAttr carries the id of an element with Go click handlers.
const handlerAttr = "data-postgrab-id"

// pageScript observes the body, reports clicks on handled elements and,
// once enabled, routes post link clicks through the navigate binding. A
// link the handler declines is clicked again and left to the page.
var pageScript = fmt.Sprintf(`(() => {
  if (window.__postgrab) return;
  window.__postgrab = true;
  const info = n => n.nodeType === 1
    ? {tag: n.tagName.toLowerCase(), classes: (n.getAttribute('class') || '').split(/\s+/).filter(Boolean)}
    : {tag: n.nodeType === 3 ? '#text' : '#node', classes: []};
  const observe = () => new MutationObserver(recs => {
    const out = recs.filter(r => r.type === 'childList')
      .map(r => ({added: Array.from(r.addedNodes, info), removed: Array.from(r.removedNodes, info)}));
    if (out.length) window.%[1]s(out);
  }).observe(document.body, {childList: true, subtree: true});
  if (document.body) observe(); else document.addEventListener('DOMContentLoaded', observe);

  document.addEventListener('click', e => {
    const ids = [];
    for (let n = e.target; n && n.nodeType === 1; n = n.parentElement) {
      const id = n.getAttribute('%[4]s');
      if (id) ids.push(id);
    }
    if (ids.length) window.%[2]s(ids);
  }, true);

  document.addEventListener('click', e => {
    if (!window.__postgrabNav || !e.target.closest) return;
    const a = e.target.closest('a[href]');
    if (!a) return;
    if (a.__postgrabPass) { a.__postgrabPass = false; return; }
    const u = new URL(a.getAttribute('href'), location.href);
    if (!/\/(p|reel)\//.test(u.pathname)) return;
    e.preventDefault();
    e.stopPropagation();
    const fromControl = !!e.target.closest('.%[5]s');
    window.%[3]s({href: u.href, fromControl}).then(taken => {
      if (!taken) { a.__postgrabPass = true; a.click(); }
    });
  }, true);
})()`, bindMutations, bindClick, bindNavigate, handlerAttr, marker.ControlClass)

// Tab is one browser tab seen as a dom.Document and dom.Window. Element
// handles and handlers belong to the current document; Reset drops them
// when the tab loads a new one.
type Tab struct {
	page *rod.Page

	mu        sync.Mutex
	observers map[int]func([]dom.MutationRecord)
	nextObs   int
	navigate  func(dom.NavigationEvent) bool
	clicks    map[string][]func()

	nextID atomic.Uint64
	stops  []func() error
}

// Attach installs the page script and bindings on page.
func Attach(page *rod.Page) (*Tab, error) {
	t := &Tab{
		page:      page,
		observers: make(map[int]func([]dom.MutationRecord)),
		clicks:    make(map[string][]func()),
	}
	bindings := []struct {
		name string
		fn   func(gson.JSON) (interface{}, error)
	}{
		{bindMutations, t.onMutations},
		{bindClick, t.onClick},
		{bindNavigate, t.onNavigate},
	}
	for _, b := range bindings {
		stop, err := page.Expose(b.name, b.fn)
		if err != nil {
			t.Detach()
			return nil, fmt.Errorf("expose %s: %w", b.name, err)
		}
		t.stops = append(t.stops, stop)
	}
	remove, err := page.EvalOnNewDocument(pageScript)
	if err != nil {
		t.Detach()
		return nil, fmt.Errorf("install page script: %w", err)
	}
	t.stops = append(t.stops, remove)
	if _, err := page.Eval(pageScript); err != nil {
		log.Printf("[Browser] page script on current document: %v", err)
	}
	return t, nil
}

// Detach removes the bindings.
func (t *Tab) Detach() {
	t.mu.Lock()
	stops := t.stops
	t.stops = nil
	t.mu.Unlock()
	for _, stop := range stops {
		_ = stop()
	}
}

// Reset forgets the observers and handlers of the previous document.
func (t *Tab) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = make(map[int]func([]dom.MutationRecord))
	t.clicks = make(map[string][]func())
	t.navigate = nil
}

// Page returns the underlying rod page.
func (t *Tab) Page() *rod.Page { return t.page }

// URL returns the tab's current address, or "" when the tab is gone.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (t *Tab) Location() *url.URL {
	u, err := url.Parse(t.URL())
	if err != nil {
		return &url.URL{}
	}
	return u
}

func (t *Tab) wrap(el *rod.Element) dom.Element {
	if el == nil {
		return nil
	}
	return &Element{tab: t, el: el}
}

func (t *Tab) wrapAll(els rod.Elements) []dom.Element {
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &Element{tab: t, el: el})
	}
	return out
}

func (t *Tab) Query(selector string) dom.Element {
	els, err := t.page.Elements(selector)
	if err != nil || len(els) == 0 {
		return nil
	}
	return t.wrap(els.First())
}

func (t *Tab) QueryAll(selector string) []dom.Element {
	els, err := t.page.Elements(selector)
	if err != nil {
		return nil
	}
	return t.wrapAll(els)
}

func (t *Tab) Scripts() []string {
	res, err := t.page.Eval(`() => Array.from(document.scripts, s => s.textContent || '')`)
	if err != nil {
		return nil
	}
	var out []string
	for _, s := range res.Value.Arr() {
		out = append(out, s.Str())
	}
	return out
}

func (t *Tab) Body() dom.Element {
	return t.Query("body")
}

func (t *Tab) CreateElement(tag string) dom.Element {
	el, err := t.page.Sleeper(rod.NotFoundSleeper).ElementByJS(rod.Eval(`t => document.createElement(t)`, tag))
	if err != nil {
		log.Printf("[Browser] create %s: %v", tag, err)
		return nil
	}
	return t.wrap(el)
}

func (t *Tab) Observe(fn func([]dom.MutationRecord)) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tab) OnNavigate(fn func(dom.NavigationEvent) bool) {
	t.mu.Lock()
	t.navigate = fn
	t.mu.Unlock()
	if _, err := t.page.Eval(`() => { window.__postgrabNav = true }`); err != nil {
		log.Printf("[Browser] enable navigation interception: %v", err)
	}
}

func (t *Tab) ReplaceURL(u *url.URL) {
	if _, err := t.page.Eval(`u => history.replaceState(history.state, '', u)`, u.String()); err != nil {
		log.Printf("[Browser] replace url: %v", err)
	}
}

// Open loads u in a new tab. The session attaches it like any other tab.
func (t *Tab) Open(u string) {
	if _, err := (proto.TargetCreateTarget{URL: u}).Call(t.page.Browser()); err != nil {
		log.Printf("[Browser] open %s: %v", u, err)
	}
}

func (t *Tab) Assign(u string) {
	if _, err := t.page.Eval(`u => location.assign(u)`, u); err != nil {
		log.Printf("[Browser] assign %s: %v", u, err)
	}
}

func (t *Tab) Reload() {
	if err := t.page.Reload(); err != nil {
		log.Printf("[Browser] reload: %v", err)
	}
}

// handle registers fn under el's handler id, assigning one if needed.
func (t *Tab) handle(el *Element, fn func()) {
	id, ok := el.Attr(handlerAttr)
	if !ok || id == "" {
		id = strconv.FormatUint(t.nextID.Add(1), 10)
		el.SetAttr(handlerAttr, id)
	}
	t.mu.Lock()
	t.clicks[id] = append(t.clicks[id], fn)
	t.mu.Unlock()
}

func (t *Tab) onMutations(payload gson.JSON) (interface{}, error) {
	recs := decodeMutations(payload)
	t.mu.Lock()
	fns := make([]func([]dom.MutationRecord), 0, len(t.observers))
	for i := 0; i < t.nextObs; i++ {
		if fn, ok := t.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(recs)
	}
	return nil, nil
}

func (t *Tab) onClick(payload gson.JSON) (interface{}, error) {
	var handlers []func()
	t.mu.Lock()
	for _, id := range payload.Arr() {
		handlers = append(handlers, t.clicks[id.Str()]...)
	}
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	return nil, nil
}

func (t *Tab) onNavigate(payload gson.JSON) (interface{}, error) {
	t.mu.Lock()
	fn := t.navigate
	t.mu.Unlock()
	if fn == nil {
		return false, nil
	}
	return fn(dom.NavigationEvent{
		Href:        payload.Get("href").Str(),
		FromControl: payload.Get("fromControl").Bool(),
	}), nil
}

// decodeMutations converts the page script's records.
func decodeMutations(payload gson.JSON) []dom.MutationRecord {
	nodes := func(list gson.JSON) []dom.Node {
		var out []dom.Node
		for _, n := range list.Arr() {
			node := dom.Node{Tag: n.Get("tag").Str()}
			for _, c := range n.Get("classes").Arr() {
				node.Classes = append(node.Classes, c.Str())
			}
			out = append(out, node)
		}
		return out
	}
	var recs []dom.MutationRecord
	for _, r := range payload.Arr() {
		recs = append(recs, dom.MutationRecord{
			Added:   nodes(r.Get("added")),
			Removed: nodes(r.Get("removed")),
		})
	}
	return recs
}

var (
	_ dom.Document = (*Tab)(nil)
	_ dom.Window   = (*Tab)(nil)
)
