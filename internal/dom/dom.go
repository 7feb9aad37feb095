// Package dom defines the narrow page model the post logic runs against.
//
// Two backends implement it: memdom (parsed HTML, used offline and in tests)
// and browser (a live Chromium page driven over CDP). Lookups never fail
// loudly: a selector that matches nothing, or that does not parse, yields a
// nil element or an empty slice.
package dom

import (
	"math"
	"net/url"
)

// Node is the part of a mutated node the reconciler needs to see.
type Node struct {
	Tag     string
	Classes []string
}

// MutationRecord is one structural change: nodes inserted and removed under
// the observed root.
type MutationRecord struct {
	Added   []Node
	Removed []Node
}

// NavigationEvent describes a click on a link to a post or reel.
type NavigationEvent struct {
	Href        string
	FromControl bool // click landed inside an injected control
}

// Element is a handle to one DOM element.
type Element interface {
	TagName() string
	Attr(name string) (string, bool)
	SetAttr(name, value string)
	Classes() []string
	HasClass(name string) bool
	AddClass(name string)
	Text() string
	SetText(text string)
	// SetInnerHTML replaces the children. Only used on detached nodes,
	// so no mutation is reported.
	SetInnerHTML(markup string) error

	Closest(selector string) Element
	Query(selector string) Element
	QueryAll(selector string) []Element
	Parent() Element
	Same(other Element) bool

	// Clone returns a detached deep copy.
	Clone() Element
	// InsertBefore attaches the receiver as the previous sibling of ref.
	InsertBefore(ref Element) error
	AppendChild(child Element) error
	Remove()

	Click()
	OnClick(fn func())
}

// Document is the page the content logic inspects and decorates.
type Document interface {
	Location() *url.URL
	Query(selector string) Element
	QueryAll(selector string) []Element
	// Scripts returns the text of every script element in document order.
	Scripts() []string
	Body() Element
	CreateElement(tag string) Element

	// Observe delivers child-list mutations under the body until the
	// returned function is called.
	Observe(fn func([]MutationRecord)) (disconnect func())
	// OnNavigate installs the page-wide link interceptor. The handler
	// returns true when it has taken over the navigation.
	OnNavigate(fn func(NavigationEvent) bool)
}

// Window is the browsing context around a Document.
type Window interface {
	// ReplaceURL rewrites the address bar without loading anything.
	ReplaceURL(u *url.URL)
	// Open loads u in a new browsing context.
	Open(u string)
	// Assign performs a full page load of u in this context.
	Assign(u string)
	Reload()
}

// Duration reports the playback duration of a media element in seconds, or
// NaN when the element does not expose one.
func Duration(el Element) float64 {
	if m, ok := el.(interface{ Duration() float64 }); ok {
		return m.Duration()
	}
	return math.NaN()
}

// HasClass reports whether classes contains name.
func HasClass(classes []string, name string) bool {
	for _, c := range classes {
		if c == name {
			return true
		}
	}
	return false
}
