package memdom

import "net/url"

// ReplaceURL rewrites the current location in place.
func (d *Document) ReplaceURL(u *url.URL) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *u
	d.loc = &c
	d.win.replaced = append(d.win.replaced, c.String())
}

func (d *Document) Open(u string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.win.opened = append(d.win.opened, u)
}

func (d *Document) Assign(u string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.win.assigned = append(d.win.assigned, u)
}

func (d *Document) Reload() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.win.reloads++
}

// Opened lists URLs opened in new browsing contexts.
func (d *Document) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.win.opened...)
}

// Assigned lists URLs loaded with a full page load.
func (d *Document) Assigned() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.win.assigned...)
}

// Replaced lists history replacements in order.
func (d *Document) Replaced() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.win.replaced...)
}

// SPANavigations lists link clicks left to the page's own router.
func (d *Document) SPANavigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.win.spa...)
}

func (d *Document) Reloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.win.reloads
}
