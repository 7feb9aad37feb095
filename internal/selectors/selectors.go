// Package selectors holds the structural queries used to find posts, their
// share control and their account name on the host page. The values are
// configuration: they change whenever the host ships new markup.
package selectors

import (
	"fmt"

	"github.com/andybalholm/cascadia"

	"github.com/standardbeagle/postgrab/internal/dom"
)

// Version identifies the default selector set.
const Version = "2025.11"

// Default glyph queries for the share (paper plane) icon across regional
// UI variants.
const (
	DefaultShareControl = `path[d^="M13.973"], polygon[points*="11.698 20.334"], polygon[points*="22 3.001"], line[x1="22"][y1="3"], line[x1="7.488"][y1="12.208"]`
	DefaultAccountName  = `a[role="link"].notranslate[href^="/"]:not([href*="/p/"]):not([href*="/reel/"]) span[dir="auto"]`
)

// clickable is the ancestor of a glyph that receives the click.
const clickable = `button, div[role="button"], a[role="link"]`

// Registry is a set of named lookups. The zero value is not useful; use
// Default or fill every field.
type Registry struct {
	Version             string
	PostContainer       string
	ShareControl        string
	AccountNameSelector string
}

// Default returns the built-in selector set.
func Default() Registry {
	return Registry{
		Version:             Version,
		PostContainer:       DefaultShareControl,
		ShareControl:        DefaultShareControl,
		AccountNameSelector: DefaultAccountName,
	}
}

// Merge returns r with every non-empty field of o applied on top.
func (r Registry) Merge(o Registry) Registry {
	if o.Version != "" {
		r.Version = o.Version
	}
	if o.PostContainer != "" {
		r.PostContainer = o.PostContainer
	}
	if o.ShareControl != "" {
		r.ShareControl = o.ShareControl
	}
	if o.AccountNameSelector != "" {
		r.AccountNameSelector = o.AccountNameSelector
	}
	return r
}

// Validate compiles every selector so that a broken override fails at load
// time instead of matching nothing on the page.
func (r Registry) Validate() error {
	for _, f := range []struct{ name, sel string }{
		{"post-container", r.PostContainer},
		{"share-control", r.ShareControl},
		{"account-name", r.AccountNameSelector},
	} {
		if f.sel == "" {
			return fmt.Errorf("selector %s is empty", f.name)
		}
		if _, err := cascadia.ParseGroup(f.sel); err != nil {
			return fmt.Errorf("selector %s: %w", f.name, err)
		}
	}
	return nil
}

// PostContainers returns the glyphs that mark a rendered post, in document
// order.
func (r Registry) PostContainers(doc dom.Document) []dom.Element {
	return doc.QueryAll(r.PostContainer)
}

// ShareControls returns the clickable share control of every post, once
// each, in document order. A glyph without a clickable ancestor is its own
// control.
func (r Registry) ShareControls(doc dom.Document) []dom.Element {
	var out []dom.Element
	for _, glyph := range doc.QueryAll(r.ShareControl) {
		ctl := glyph.Closest(clickable)
		if ctl == nil {
			ctl = glyph
		}
		if !containsElement(out, ctl) {
			out = append(out, ctl)
		}
	}
	return out
}

// AccountName returns the text of the first account-name element under
// root, or "" when nothing matches.
func (r Registry) AccountName(root dom.Element) string {
	if root == nil {
		return ""
	}
	if el := root.Query(r.AccountNameSelector); el != nil {
		return el.Text()
	}
	return ""
}

// AccountNameIn looks the account name up anywhere below scope in doc.
func (r Registry) AccountNameIn(doc dom.Document, scope string) string {
	if el := doc.Query(scope + " " + r.AccountNameSelector); el != nil {
		return el.Text()
	}
	return ""
}

func containsElement(list []dom.Element, el dom.Element) bool {
	for _, e := range list {
		if e.Same(el) {
			return true
		}
	}
	return false
}
