// Package browser drives a live Chromium session with go-rod. Every tab
// is exposed as a dom.Document and dom.Window so the post logic runs on
// real pages the same way it runs on parsed HTML.
package browser

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// HostPattern selects the tabs a settings change reloads.
const HostPattern = "*://*.instagram.com/*"

// Options configures the launched browser.
type Options struct {
	// Bin is the browser executable. Empty looks for an installed one.
	Bin         string
	Headless    bool
	UserDataDir string
}

// LoadFunc runs once per loaded document. The context is cancelled when
// the tab navigates away or closes.
type LoadFunc func(ctx context.Context, tab *Tab)

// Session is a launched browser and its attached tabs.
type Session struct {
	browser  *rod.Browser
	launcher *launcher.Launcher

	mu     sync.Mutex
	tabs   map[proto.TargetTargetID]*tabState
	onLoad LoadFunc
	wg     sync.WaitGroup
}

type tabState struct {
	tab *Tab
	// stop ends the tab's event loop; cancel ends the current document.
	stop   context.CancelFunc
	cancel context.CancelFunc
}

// Launch starts a browser and connects to it.
func Launch(opts Options) (*Session, error) {
	l := launcher.New().
		Headless(opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Devtools(false)
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	bin := opts.Bin
	if bin == "" {
		bin, _ = launcher.LookPath()
	}
	if bin != "" {
		l = l.Bin(bin)
	}
	if !opts.Headless {
		l = l.Set("start-maximized")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	log.Printf("[Browser] connected to %s", controlURL)
	return &Session{
		browser:  b,
		launcher: l,
		tabs:     make(map[proto.TargetTargetID]*tabState),
	}, nil
}

// Watch calls fn for every document loaded in any tab, including tabs
// opened later, until ctx is done or the browser exits.
func (s *Session) Watch(ctx context.Context, startURL string, fn LoadFunc) error {
	s.mu.Lock()
	s.onLoad = fn
	s.mu.Unlock()

	b := s.browser.Context(ctx)
	wait := b.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				s.attach(ctx, e.TargetInfo.TargetID)
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			s.detach(e.TargetID)
		},
	)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	pages, err := s.browser.Pages()
	if err != nil {
		return err
	}
	for _, p := range pages {
		s.attach(ctx, p.TargetID)
	}
	if startURL != "" {
		if _, err := (proto.TargetCreateTarget{URL: startURL}).Call(s.browser); err != nil {
			return fmt.Errorf("open %s: %w", startURL, err)
		}
	}

	wait()
	s.mu.Lock()
	for id, st := range s.tabs {
		st.close()
		delete(s.tabs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return ctx.Err()
}

func (s *Session) attach(ctx context.Context, id proto.TargetTargetID) {
	s.mu.Lock()
	if _, ok := s.tabs[id]; ok {
		s.mu.Unlock()
		return
	}
	tabCtx, stop := context.WithCancel(ctx)
	st := &tabState{stop: stop}
	s.tabs[id] = st
	s.mu.Unlock()

	page, err := s.browser.PageFromTarget(id)
	if err != nil {
		log.Printf("[Browser] attach %s: %v", id, err)
		s.detach(id)
		return
	}
	tab, err := Attach(page)
	if err != nil {
		log.Printf("[Browser] attach %s: %v", id, err)
		s.detach(id)
		return
	}
	s.mu.Lock()
	if s.tabs[id] != st {
		s.mu.Unlock()
		tab.Detach()
		return
	}
	st.tab = tab
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		page.Context(tabCtx).EachEvent(func(e *proto.PageDomContentEventFired) {
			s.loaded(tabCtx, id)
		})()
	}()
	// The document already in the tab counts as loaded.
	s.loaded(tabCtx, id)
}

// loaded starts a fresh document lifetime for the tab.
func (s *Session) loaded(ctx context.Context, id proto.TargetTargetID) {
	s.mu.Lock()
	st, ok := s.tabs[id]
	if !ok || st.tab == nil {
		s.mu.Unlock()
		return
	}
	if st.cancel != nil {
		st.cancel()
	}
	docCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	fn := s.onLoad
	tab := st.tab
	s.mu.Unlock()

	tab.Reset()
	if fn != nil {
		go fn(docCtx, tab)
	}
}

func (s *Session) detach(id proto.TargetTargetID) {
	s.mu.Lock()
	st, ok := s.tabs[id]
	delete(s.tabs, id)
	s.mu.Unlock()
	if ok {
		st.close()
	}
}

func (st *tabState) close() {
	if st.cancel != nil {
		st.cancel()
	}
	st.stop()
	if st.tab != nil {
		st.tab.Detach()
	}
}

// Tabs returns the attached tabs.
func (s *Session) Tabs() []*Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tab, 0, len(s.tabs))
	for _, st := range s.tabs {
		if st.tab != nil {
			out = append(out, st.tab)
		}
	}
	return out
}

// ReloadMatching reloads every tab whose URL matches pattern and returns
// how many were reloaded.
func (s *Session) ReloadMatching(pattern string) int {
	n := 0
	for _, tab := range s.Tabs() {
		if MatchPattern(pattern, tab.URL()) {
			tab.Reload()
			n++
		}
	}
	if n > 0 {
		log.Printf("[Browser] reloaded %d tab(s) matching %s", n, pattern)
	}
	return n
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	for id, st := range s.tabs {
		st.close()
		delete(s.tabs, id)
	}
	s.mu.Unlock()
	err := s.browser.Close()
	s.launcher.Cleanup()
	return err
}
