package browser

import (
	"errors"
	"log"
	"math"
	"strings"

	"github.com/go-rod/rod"

	"github.com/standardbeagle/postgrab/internal/dom"
)

// Element is a handle to a live element. Calls on an element whose
// document has gone away fail quietly.
type Element struct {
	tab *Tab
	el  *rod.Element
}

func (e *Element) eval(js string, args ...interface{}) (string, bool) {
	res, err := e.el.Eval(js, args...)
	if err != nil {
		return "", false
	}
	return res.Value.Str(), true
}

func (e *Element) do(what, js string, args ...interface{}) error {
	_, err := e.el.Eval(js, args...)
	if err != nil {
		log.Printf("[Browser] %s: %v", what, err)
	}
	return err
}

// elementBy returns the element js evaluates to, without waiting for one
// to appear.
func (e *Element) elementBy(js string, args ...interface{}) dom.Element {
	el, err := e.el.Sleeper(rod.NotFoundSleeper).ElementByJS(rod.Eval(js, args...))
	if err != nil {
		return nil
	}
	return e.tab.wrap(el)
}

func (e *Element) TagName() string {
	tag, _ := e.eval(`function() { return this.tagName.toLowerCase() }`)
	return tag
}

func (e *Element) Attr(name string) (string, bool) {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e *Element) SetAttr(name, value string) {
	_ = e.do("set attribute", `function(n, v) { this.setAttribute(n, v) }`, name, value)
}

func (e *Element) Classes() []string {
	v, _ := e.Attr("class")
	return strings.Fields(v)
}

func (e *Element) HasClass(name string) bool {
	return dom.HasClass(e.Classes(), name)
}

func (e *Element) AddClass(name string) {
	_ = e.do("add class", `function(c) { this.classList.add(c) }`, name)
}

func (e *Element) Text() string {
	text, err := e.el.Text()
	if err != nil {
		return ""
	}
	return text
}

func (e *Element) SetText(text string) {
	_ = e.do("set text", `function(t) { this.textContent = t }`, text)
}

func (e *Element) SetInnerHTML(markup string) error {
	return e.do("set inner html", `function(m) { this.innerHTML = m }`, markup)
}

func (e *Element) Closest(selector string) dom.Element {
	return e.elementBy(`function(s) { try { return this.closest(s) } catch (_) { return null } }`, selector)
}

func (e *Element) Query(selector string) dom.Element {
	els, err := e.el.Elements(selector)
	if err != nil || len(els) == 0 {
		return nil
	}
	return e.tab.wrap(els.First())
}

func (e *Element) QueryAll(selector string) []dom.Element {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil
	}
	return e.tab.wrapAll(els)
}

func (e *Element) Parent() dom.Element {
	return e.elementBy(`function() { return this.parentElement }`)
}

func (e *Element) Same(other dom.Element) bool {
	o, ok := other.(*Element)
	if !ok {
		return false
	}
	res, err := e.el.Eval(`function(o) { return this === o }`, o.el.Object)
	return err == nil && res.Value.Bool()
}

// Clone copies the element without its click handlers.
func (e *Element) Clone() dom.Element {
	return e.elementBy(`function(a) {
  const c = this.cloneNode(true);
  c.removeAttribute(a);
  c.querySelectorAll('[' + a + ']').forEach(n => n.removeAttribute(a));
  return c;
}`, handlerAttr)
}

var errAttached = errors.New("node already attached")

func (e *Element) InsertBefore(ref dom.Element) error {
	r, ok := ref.(*Element)
	if !ok {
		return errors.New("reference element belongs to another document")
	}
	res, err := e.el.Eval(`function(r) {
  if (this.parentNode) return 'attached';
  if (!r.parentNode) return 'detached';
  r.parentNode.insertBefore(this, r);
  return '';
}`, r.el.Object)
	if err != nil {
		return err
	}
	return insertResult(res.Value.Str())
}

func (e *Element) AppendChild(child dom.Element) error {
	c, ok := child.(*Element)
	if !ok {
		return errors.New("child element belongs to another document")
	}
	res, err := e.el.Eval(`function(c) {
  if (c.parentNode) return 'attached';
  this.appendChild(c);
  return '';
}`, c.el.Object)
	if err != nil {
		return err
	}
	return insertResult(res.Value.Str())
}

func insertResult(s string) error {
	switch s {
	case "":
		return nil
	case "attached":
		return errAttached
	default:
		return errors.New("reference element is " + s)
	}
}

func (e *Element) Remove() {
	_ = e.do("remove", `function() { this.remove() }`)
}

// Click dispatches a synthetic click, which the page script sees like a
// user's.
func (e *Element) Click() {
	_ = e.do("click", `function() { this.click() }`)
}

func (e *Element) OnClick(fn func()) {
	e.tab.handle(e, fn)
}

// Duration reads the playback duration of a video element.
func (e *Element) Duration() float64 {
	res, err := e.el.Eval(`function() {
  return this.tagName === 'VIDEO' && isFinite(this.duration) ? this.duration : -1;
}`)
	if err != nil {
		return math.NaN()
	}
	d := res.Value.Num()
	if d < 0 {
		return math.NaN()
	}
	return d
}

var _ dom.Element = (*Element)(nil)
