package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/postgrab/internal/blob"
	"github.com/standardbeagle/postgrab/internal/browser"
	"github.com/standardbeagle/postgrab/internal/config"
	"github.com/standardbeagle/postgrab/internal/daemon"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/notice"
	"github.com/standardbeagle/postgrab/internal/postaction"
	"github.com/standardbeagle/postgrab/internal/reconcile"
	"github.com/standardbeagle/postgrab/internal/settings"
)

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Open a browser and add download controls to Instagram posts",
	Long: `Open a browser on Instagram and keep a download control on every
video post of every tab. Clicking a control merges the post's video and
audio through the daemon and saves the result to the downloads directory.

Changing a setting reloads the open Instagram tabs.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runWatch,
}

var (
	watchHeadless bool
	watchProfile  string
)

func init() {
	watchCmd.Flags().BoolVar(&watchHeadless, "headless", false, "Run the browser without a window")
	watchCmd.Flags().StringVar(&watchProfile, "profile", "", "Browser user data directory")
}

func runWatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	startURL := cfg.Browser.StartURL
	if len(args) == 1 {
		startURL = args[0]
	}
	opts := browser.Options{
		Bin:         cfg.Browser.Bin,
		Headless:    cfg.Browser.Headless || watchHeadless,
		UserDataDir: config.ExpandHome(cfg.Browser.UserDataDir),
	}
	if watchProfile != "" {
		opts.UserDataDir = config.ExpandHome(watchProfile)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	client, err := connect(cmd, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	info, err := client.Info()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get daemon info: %v\n", err)
		os.Exit(1)
	}

	session, err := browser.Launch(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to launch browser: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	w := &watcher{
		cfg:    cfg,
		client: client,
		merger: merge.NewDedup(requester(cfg.Daemon.Socket), cfg.Merge.Duplicate),
		namer:  postaction.NewNamer(nil),
	}

	go w.followSettings(ctx, info.HTTPAddr, session)

	log.Printf("[Watch] watching %s", startURL)
	if err := session.Watch(ctx, startURL, w.load); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Browser session ended: %v\n", err)
		os.Exit(1)
	}
}

// watcher runs one Downloader per loaded document.
type watcher struct {
	cfg    *config.Config
	merger merge.Requester
	namer  *postaction.Namer

	mu     sync.Mutex
	client *daemon.Client
}

// readSettings reads the daemon's settings, falling back to the defaults when
// the daemon cannot answer.
func (w *watcher) readSettings(ctx context.Context) map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.client.Connect(); err == nil {
		all, err := w.client.Settings(ctx)
		if err == nil {
			return all
		}
		log.Printf("[Watch] read settings: %v", err)
		w.client.Close()
	}
	return settings.Defaults
}

func (w *watcher) load(ctx context.Context, tab *browser.Tab) {
	if !browser.MatchPattern(browser.HostPattern, tab.URL()) {
		return
	}
	all := w.readSettings(ctx)

	d := postaction.New(postaction.Config{
		Doc:          tab,
		Window:       tab,
		Reconciler:   reconcile.New(tab, w.cfg.Timing.Debounce),
		Selectors:    w.cfg.Selectors,
		Merger:       w.merger,
		Notifier:     notice.NewMulti(notice.NewDOMNotifier(tab), notice.NewConsoleNotifier(os.Stderr)),
		Enabled:      all[settings.KeyEnabled],
		WhatsappMode: all[settings.KeyWhatsapp],
		Namer:        w.namer,
	})
	runDocument(ctx, d, tab.URL())
}

// lifecycle is the part of a Downloader that a document load drives.
type lifecycle interface {
	Init(ctx context.Context) error
	Remove() error
}

// runDocument keeps d initialized for as long as the document lives.
func runDocument(ctx context.Context, d lifecycle, where string) {
	if err := d.Init(ctx); err != nil {
		log.Printf("[Watch] init %s: %v", where, err)
		return
	}
	<-ctx.Done()
	if err := d.Remove(); err != nil {
		log.Printf("[Watch] remove %s: %v", where, err)
	}
}

// followSettings reloads the Instagram tabs whenever a setting changes so
// every page picks up the new values. The events stream is redialed until
// ctx is done.
func (w *watcher) followSettings(ctx context.Context, httpAddr string, session *browser.Session) {
	for {
		err := blob.Listen(ctx, httpAddr, func(ev blob.Event) {
			if ev.Type == blob.EventSettings {
				session.ReloadMatching(browser.HostPattern)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[Watch] events: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
