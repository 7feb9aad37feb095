// Package postaction attaches download controls to video posts and runs
// the click flow: resolve the post, find its manifest, ask the merger for
// one file and report the outcome.
package postaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/marker"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/notice"
	"github.com/standardbeagle/postgrab/internal/reconcile"
	"github.com/standardbeagle/postgrab/internal/retry"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

// ErrInvalidState is returned for a lifecycle call that the current state
// does not allow.
var ErrInvalidState = errors.New("invalid downloader state")

// State is the lifecycle position of a Downloader.
type State int

const (
	Created State = iota
	Initialized
	Reinitializing
	Removed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case Reinitializing:
		return "reinitializing"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Config wires a Downloader to its page and collaborators.
type Config struct {
	Doc        dom.Document
	Window     dom.Window
	Reconciler *reconcile.Reconciler
	Selectors  selectors.Registry
	Locator    *manifest.Locator
	Merger     merge.Requester
	Notifier   notice.Notifier

	// Enabled and WhatsappMode are the settings read when the page loaded.
	Enabled      bool
	WhatsappMode bool

	// Namer builds output names. Nil uses a fresh Namer.
	Namer *Namer

	// Policies default to the retry package's named policies.
	Injection     retry.Policy
	ManifestReady retry.Policy
	AutoDownload  retry.Policy
}

// Downloader manages the controls of one feature area on one page.
type Downloader struct {
	cfg Config

	mu            sync.Mutex
	state         State
	gen           uint64
	ctx           context.Context
	cancel        context.CancelFunc
	autoTriggered bool
	navInstalled  bool
	// lastNav is the last link this page turned into a full load.
	lastNav string

	wg sync.WaitGroup
}

// New returns a Downloader in the Created state.
func New(cfg Config) *Downloader {
	if cfg.Selectors.ShareControl == "" {
		cfg.Selectors = selectors.Default()
	}
	if cfg.Locator == nil {
		cfg.Locator = manifest.NewLocator()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notice.NewRecorder()
	}
	if cfg.Namer == nil {
		cfg.Namer = NewNamer(nil)
	}
	if cfg.Injection.MaxAttempts == 0 && !cfg.Injection.Immediate {
		cfg.Injection = retry.Injection
	}
	if cfg.ManifestReady.MaxAttempts == 0 && !cfg.ManifestReady.Immediate {
		cfg.ManifestReady = retry.ManifestReady
	}
	if cfg.AutoDownload.MaxAttempts == 0 && !cfg.AutoDownload.Immediate {
		cfg.AutoDownload = retry.AutoDownload
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = reconcile.New(cfg.Doc, reconcile.DefaultDebounce)
	}
	return &Downloader{cfg: cfg, state: Created}
}

// State returns the lifecycle state.
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Init attaches controls, joins the reconciler, installs the navigation
// interceptor and starts an auto-download when the URL asks for one.
// With the extension disabled it does nothing.
func (d *Downloader) Init(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Created {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: init from %s", ErrInvalidState, st)
	}
	if !d.cfg.Enabled {
		d.mu.Unlock()
		log.Printf("[PostDownloader] extension disabled, not attaching")
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.state = Initialized
	gen := d.gen
	installNav := !d.navInstalled
	d.navInstalled = true
	d.mu.Unlock()

	auto := d.claimAutoDownload()
	d.addControls(gen)
	if d.removed() {
		return nil
	}
	d.cfg.Reconciler.Register(d)
	if installNav {
		d.cfg.Doc.OnNavigate(d.interceptNavigation)
	}
	if auto {
		d.startAutoDownload()
	}
	return nil
}

// Reinitialize tears the controls down and attaches them again. It is the
// reconciler callback; outside Initialized it does nothing.
func (d *Downloader) Reinitialize() {
	if err := d.reinitialize(); err != nil && !errors.Is(err, ErrInvalidState) {
		log.Printf("[PostDownloader] reinitialize: %v", err)
	}
}

func (d *Downloader) reinitialize() error {
	d.mu.Lock()
	if d.state != Initialized {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: reinitialize from %s", ErrInvalidState, st)
	}
	d.state = Reinitializing
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	d.removeControls()
	d.addControls(gen)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Reinitializing {
		d.state = Initialized
	}
	return nil
}

// Remove detaches every control and leaves the reconciler. Removed is
// terminal.
func (d *Downloader) Remove() error {
	d.mu.Lock()
	if d.state == Removed {
		d.mu.Unlock()
		return fmt.Errorf("%w: already removed", ErrInvalidState)
	}
	d.state = Removed
	d.gen++
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.cfg.Reconciler.Deregister(d)
	d.removeControls()
	return nil
}

// Wait blocks until background work started by the Downloader (click
// handling, auto-download) has finished.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

func (d *Downloader) spawn(fn func(ctx context.Context)) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
}

// stale reports whether work started under gen should stop.
func (d *Downloader) stale(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == Removed || d.gen != gen
}

func (d *Downloader) removed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == Removed
}

func (d *Downloader) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

func (d *Downloader) removeControls() {
	for _, el := range d.cfg.Doc.QueryAll(marker.ControlSelector()) {
		el.Remove()
	}
}

// show displays n and returns its handle.
func (d *Downloader) show(n notice.Notice) notice.Handle {
	return d.cfg.Notifier.Show(n)
}

// Durations used by the click flow.
const (
	startedTimeout = 3000 * time.Millisecond
)
