// Package memdom is an in-memory dom.Document over a parsed HTML tree.
//
// Mutations made through the API are delivered to observers synchronously,
// after the document lock is released, so observers may call back into the
// document. Window calls are recorded instead of performed.
package memdom

import (
	"errors"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/marker"
)

// ErrAttached is returned when inserting a node that already has a parent.
var ErrAttached = errors.New("node already attached")

// Document is a parsed page plus the window state around it.
type Document struct {
	mu  sync.Mutex
	doc *goquery.Document
	loc *url.URL

	observers map[int]func([]dom.MutationRecord)
	nextObs   int
	navigate  func(dom.NavigationEvent) bool
	clicks    map[*html.Node][]func()

	win windowLog
}

type windowLog struct {
	opened   []string
	assigned []string
	replaced []string
	spa      []string
	reloads  int
}

// Parse builds a Document from HTML served at location.
func Parse(r io.Reader, location string) (*Document, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	return &Document{
		doc:       doc,
		loc:       loc,
		observers: make(map[int]func([]dom.MutationRecord)),
		clicks:    make(map[*html.Node][]func()),
	}, nil
}

// New parses an HTML string. Convenient for fixtures.
func New(markup, location string) (*Document, error) {
	return Parse(strings.NewReader(markup), location)
}

func (d *Document) wrap(n *html.Node) dom.Element {
	if n == nil {
		return nil
	}
	return &Element{doc: d, n: n}
}

func (d *Document) wrapAll(sel *goquery.Selection) []dom.Element {
	out := make([]dom.Element, 0, sel.Length())
	for _, n := range sel.Nodes {
		out = append(out, &Element{doc: d, n: n})
	}
	return out
}

// Location returns a copy of the current URL.
func (d *Document) Location() *url.URL {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := *d.loc
	return &u
}

func (d *Document) Query(selector string) dom.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := d.doc.Find(selector)
	if sel.Length() == 0 {
		return nil
	}
	return d.wrap(sel.Nodes[0])
}

func (d *Document) QueryAll(selector string) []dom.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrapAll(d.doc.Find(selector))
}

func (d *Document) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		out = append(out, s.Text())
	})
	return out
}

func (d *Document) Body() dom.Element {
	return d.Query("body")
}

// CreateElement returns a detached element.
func (d *Document) CreateElement(tag string) dom.Element {
	tag = strings.ToLower(tag)
	return d.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
}

// Observe registers fn for child-list mutations.
func (d *Document) Observe(fn func([]dom.MutationRecord)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

// Observers reports how many observers are connected.
func (d *Document) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func (d *Document) OnNavigate(fn func(dom.NavigationEvent) bool) {
	d.mu.Lock()
	d.navigate = fn
	d.mu.Unlock()
}

// Mutate reports rec to observers without touching the tree. Tests use it
// to simulate host page re-renders.
func (d *Document) Mutate(rec dom.MutationRecord) {
	d.notify([]dom.MutationRecord{rec})
}

// AppendHTML parses markup and appends the resulting nodes to the first
// element matching parent, reporting the insertion to observers.
func (d *Document) AppendHTML(parent, markup string) error {
	d.mu.Lock()
	target := d.doc.Find(parent)
	if target.Length() == 0 {
		d.mu.Unlock()
		return errors.New("no element matches " + parent)
	}
	p := target.Nodes[0]
	nodes, err := html.ParseFragment(strings.NewReader(markup), p)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var rec dom.MutationRecord
	for _, n := range nodes {
		p.AppendChild(n)
		rec.Added = append(rec.Added, nodeInfo(n))
	}
	d.mu.Unlock()
	d.notify([]dom.MutationRecord{rec})
	return nil
}

func (d *Document) notify(recs []dom.MutationRecord) {
	d.mu.Lock()
	fns := make([]func([]dom.MutationRecord), 0, len(d.observers))
	for i := 0; i < d.nextObs; i++ {
		if fn, ok := d.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(recs)
	}
}

// HTML renders the current tree.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, _ := goquery.OuterHtml(d.doc.Selection)
	return out
}

func nodeInfo(n *html.Node) dom.Node {
	switch n.Type {
	case html.ElementNode:
		return dom.Node{Tag: n.Data, Classes: strings.Fields(attr(n, "class"))}
	case html.TextNode:
		return dom.Node{Tag: "#text"}
	default:
		return dom.Node{Tag: "#node"}
	}
}

func attr(n *html.Node, name string) string {
	v, _ := lookupAttr(n, name)
	return v
}

func lookupAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(cloneNode(ch))
	}
	return c
}

// Element wraps one node of a Document.
type Element struct {
	doc *Document
	n   *html.Node
}

func (e *Element) sel() *goquery.Selection {
	return goquery.NewDocumentFromNode(e.n).Selection
}

func (e *Element) TagName() string { return e.n.Data }

func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return lookupAttr(e.n, name)
}

func (e *Element) SetAttr(name, value string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, name, value)
}

func (e *Element) Classes() []string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return strings.Fields(attr(e.n, "class"))
}

func (e *Element) HasClass(name string) bool {
	return dom.HasClass(e.Classes(), name)
}

func (e *Element) AddClass(name string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	classes := strings.Fields(attr(e.n, "class"))
	if dom.HasClass(classes, name) {
		return
	}
	setAttr(e.n, "class", strings.Join(append(classes, name), " "))
}

func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.sel().Text()
}

func (e *Element) SetText(text string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for ch := e.n.FirstChild; ch != nil; {
		next := ch.NextSibling
		e.n.RemoveChild(ch)
		ch = next
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func (e *Element) SetInnerHTML(markup string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	nodes, err := html.ParseFragment(strings.NewReader(markup), e.n)
	if err != nil {
		return err
	}
	for ch := e.n.FirstChild; ch != nil; {
		next := ch.NextSibling
		e.n.RemoveChild(ch)
		ch = next
	}
	for _, n := range nodes {
		e.n.AppendChild(n)
	}
	return nil
}

func (e *Element) Closest(selector string) dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	sel := e.sel().Closest(selector)
	if sel.Length() == 0 {
		return nil
	}
	return e.doc.wrap(sel.Nodes[0])
}

func (e *Element) Query(selector string) dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	sel := e.sel().Find(selector)
	if sel.Length() == 0 {
		return nil
	}
	return e.doc.wrap(sel.Nodes[0])
}

func (e *Element) QueryAll(selector string) []dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrapAll(e.sel().Find(selector))
}

func (e *Element) Parent() dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.n.Parent == nil || e.n.Parent.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrap(e.n.Parent)
}

func (e *Element) Same(other dom.Element) bool {
	o, ok := other.(*Element)
	return ok && o.n == e.n
}

// Attached reports whether the element is still part of the document tree.
func (e *Element) Attached() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return isAttached(e.n)
}

func (e *Element) Clone() dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(cloneNode(e.n))
}

func (e *Element) InsertBefore(ref dom.Element) error {
	r, ok := ref.(*Element)
	if !ok {
		return errors.New("reference element belongs to another document")
	}
	e.doc.mu.Lock()
	if e.n.Parent != nil {
		e.doc.mu.Unlock()
		return ErrAttached
	}
	if r.n.Parent == nil {
		e.doc.mu.Unlock()
		return errors.New("reference element is detached")
	}
	r.n.Parent.InsertBefore(e.n, r.n)
	info := nodeInfo(e.n)
	attached := isAttached(e.n)
	e.doc.mu.Unlock()
	if attached {
		e.doc.notify([]dom.MutationRecord{{Added: []dom.Node{info}}})
	}
	return nil
}

func (e *Element) AppendChild(child dom.Element) error {
	c, ok := child.(*Element)
	if !ok {
		return errors.New("child element belongs to another document")
	}
	e.doc.mu.Lock()
	if c.n.Parent != nil {
		e.doc.mu.Unlock()
		return ErrAttached
	}
	e.n.AppendChild(c.n)
	info := nodeInfo(c.n)
	attached := isAttached(e.n)
	e.doc.mu.Unlock()
	if attached {
		e.doc.notify([]dom.MutationRecord{{Added: []dom.Node{info}}})
	}
	return nil
}

func (e *Element) Remove() {
	e.doc.mu.Lock()
	if e.n.Parent == nil {
		e.doc.mu.Unlock()
		return
	}
	attached := isAttached(e.n)
	e.n.Parent.RemoveChild(e.n)
	info := nodeInfo(e.n)
	e.doc.mu.Unlock()
	if attached {
		e.doc.notify([]dom.MutationRecord{{Removed: []dom.Node{info}}})
	}
}

func isAttached(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

// OnClick registers fn to run when this element or a descendant is clicked.
func (e *Element) OnClick(fn func()) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.clicks[e.n] = append(e.doc.clicks[e.n], fn)
}

// Click dispatches a click: handlers bubble from the element to the root,
// then a link to a post is offered to the navigation interceptor. A link
// the interceptor does not take is recorded as client-side navigation.
func (e *Element) Click() {
	e.doc.mu.Lock()
	var handlers []func()
	var link *html.Node
	fromControl := false
	for n := e.n; n != nil; n = n.Parent {
		handlers = append(handlers, e.doc.clicks[n]...)
		if n.Type != html.ElementNode {
			continue
		}
		if link == nil && n.Data == "a" {
			link = n
		}
		if dom.HasClass(strings.Fields(attr(n, "class")), marker.ControlClass) {
			fromControl = true
		}
	}
	navigate := e.doc.navigate
	base := *e.doc.loc
	e.doc.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	if link == nil {
		return
	}
	href, ok := lookupAttr(link, "href")
	if !ok {
		return
	}
	target, err := base.Parse(href)
	if err != nil {
		return
	}
	if !strings.Contains(target.Path, "/p/") && !strings.Contains(target.Path, "/reel/") {
		return
	}
	if navigate != nil && navigate(dom.NavigationEvent{Href: target.String(), FromControl: fromControl}) {
		return
	}
	e.doc.mu.Lock()
	e.doc.win.spa = append(e.doc.win.spa, target.String())
	e.doc.loc = target
	e.doc.mu.Unlock()
}

// Duration reads the duration attribute of a video element.
func (e *Element) Duration() float64 {
	v, ok := e.Attr("duration")
	if !ok || e.n.Data != "video" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

var (
	_ dom.Document = (*Document)(nil)
	_ dom.Window   = (*Document)(nil)
	_ dom.Element  = (*Element)(nil)
)
