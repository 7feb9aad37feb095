// Package daemon is the background side of postgrab: it owns the merger,
// the blob server, the settings database and the downloads, and serves
// them over a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/postgrab/internal/blob"
	"github.com/standardbeagle/postgrab/internal/download"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/remux"
	"github.com/standardbeagle/postgrab/internal/selectors"
	"github.com/standardbeagle/postgrab/internal/settings"
)

// Version is the daemon version.
const Version = "0.3.0"

// DaemonConfig holds configuration for the daemon.
type DaemonConfig struct {
	SocketPath string
	// HTTPAddr is where blobs and events are served. Loopback only.
	HTTPAddr string
	// DataDir holds the settings database and blob files.
	DataDir string
	// DownloadsDir receives saved videos.
	DownloadsDir string
	// FFmpegPath overrides the ffmpeg binary.
	FFmpegPath string
	// FetchRate caps stream requests per second.
	FetchRate float64
	// BlobTTL is how long merged outputs stay addressable.
	BlobTTL time.Duration

	// Max concurrent clients (0 = unlimited)
	MaxClients int
	// Connection write timeout (0 = no timeout)
	WriteTimeout time.Duration

	// SelectorVersion is reported by INFO. Empty reports the built-in set.
	SelectorVersion string

	// Merger replaces the ffmpeg-backed merger, mainly for tests.
	Merger merge.Requester
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	data := defaultDataDir()
	return DaemonConfig{
		SocketPath:   DefaultSocketPath(),
		HTTPAddr:     blob.DefaultAddr,
		DataDir:      data,
		DownloadsDir: defaultDownloadsDir(),
		FetchRate:    remux.DefaultRate,
		BlobTTL:      blob.DefaultTTL,
		MaxClients:   32,
		WriteTimeout: 30 * time.Second,
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, SocketName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", SocketName)
}

func defaultDownloadsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads")
}

// Daemon serves merge, settings and download commands.
type Daemon struct {
	config DaemonConfig

	merger    merge.Requester
	blobs     *blob.Store
	server    *blob.Server
	hub       *blob.Hub
	settings  *settings.Store
	downloads *download.Service

	sockMgr  *SocketManager
	listener net.Listener

	clients     sync.Map // clientID -> *Connection
	clientCount atomic.Int64
	nextID      atomic.Int64
	merges      atomic.Int64
	saved       atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    time.Time
	shutdownMu sync.Mutex
	shutdown   bool
	unsub      func()
}

// New opens the daemon's stores. Nothing listens until Start.
func New(config DaemonConfig) (*Daemon, error) {
	if config.DataDir == "" {
		config.DataDir = defaultDataDir()
	}
	if config.DownloadsDir == "" {
		config.DownloadsDir = defaultDownloadsDir()
	}
	if config.SelectorVersion == "" {
		config.SelectorVersion = selectors.Version
	}

	st, err := settings.Open(filepath.Join(config.DataDir, "settings.db"))
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewStore(filepath.Join(config.DataDir, "blobs"), config.BlobTTL)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:    config,
		blobs:     blobs,
		hub:       blob.NewHub(),
		settings:  st,
		downloads: download.NewService(config.DownloadsDir),
		sockMgr:   NewSocketManager(config.SocketPath),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.server = blob.NewServer(blobs, d.hub)

	if config.Merger != nil {
		d.merger = config.Merger
	} else {
		svc := remux.NewService(remux.NewFetcher(config.FetchRate), remux.NewFFmpeg(config.FFmpegPath), blobs)
		svc.Progress = func(name string, percent float64) {
			d.hub.Publish(blob.NewEvent(blob.EventProgress, blob.ProgressData{Name: name, Percent: percent}))
		}
		d.merger = svc
	}

	d.downloads.OnFinished = func(r download.Result) {
		if r.Status == download.StatusDone {
			d.saved.Add(1)
		}
		d.hub.Publish(blob.NewEvent(blob.EventDownloadFinished, blob.DownloadData{ID: r.ID, Path: r.Path, Error: r.Error}))
	}
	d.unsub = st.Subscribe(func(c settings.Change) {
		d.hub.Publish(blob.NewEvent(blob.EventSettings, c))
	})
	return d, nil
}

// Start binds the socket and the HTTP server and begins accepting clients.
func (d *Daemon) Start() error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return errors.New("daemon already shutdown")
	}
	d.shutdownMu.Unlock()

	listener, err := d.sockMgr.Listen()
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	if err := d.server.Start(d.config.HTTPAddr); err != nil {
		d.sockMgr.Close()
		return err
	}
	d.listener = listener
	d.started = time.Now()
	log.Printf("[Daemon] started, listening on %s, http on %s", d.sockMgr.Path(), d.server.Addr())

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.blobs.Run(d.ctx, time.Minute)
	}()
	go d.acceptLoop()
	return nil
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.shutdownMu.Unlock()

	log.Println("[Daemon] stopping...")
	d.cancel()
	if d.listener != nil {
		d.listener.Close()
	}
	d.clients.Range(func(_, value any) bool {
		value.(*Connection).Close()
		return true
	})

	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := d.sockMgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("socket cleanup: %w", err))
	}
	d.unsub()
	if err := d.settings.Close(); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}
	log.Println("[Daemon] stopped")
	return errors.Join(errs...)
}

// Wait blocks until the daemon stops.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
	d.wg.Wait()
}

// Info returns daemon information.
func (d *Daemon) Info() DaemonInfo {
	return DaemonInfo{
		Version:     Version,
		Selectors:   d.config.SelectorVersion,
		PID:         os.Getpid(),
		SocketPath:  d.sockMgr.Path(),
		HTTPAddr:    d.server.Addr(),
		Uptime:      time.Since(d.started).Round(time.Second).String(),
		ClientCount: d.clientCount.Load(),
		Merges:      d.merges.Load(),
		Downloads:   d.saved.Load(),
	}
}

// Settings returns the settings store.
func (d *Daemon) Settings() *settings.Store { return d.settings }

// Hub returns the events hub.
func (d *Daemon) Hub() *blob.Hub { return d.hub }

// Downloads returns the download service.
func (d *Daemon) Downloads() *download.Service { return d.downloads }

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("[Daemon] accept error: %v", err)
				continue
			}
		}

		if d.config.MaxClients > 0 && d.clientCount.Load() >= int64(d.config.MaxClients) {
			log.Printf("[Daemon] max clients reached, rejecting connection")
			conn.Close()
			continue
		}

		clientID := d.nextID.Add(1)
		clientConn := newConnection(clientID, conn, d)
		d.clients.Store(clientID, clientConn)
		d.clientCount.Add(1)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				d.clients.Delete(clientID)
				d.clientCount.Add(-1)
			}()
			clientConn.Handle(d.ctx)
		}()
	}
}

// DaemonInfo holds daemon status information.
type DaemonInfo struct {
	Version     string `json:"version"`
	Selectors   string `json:"selectors"`
	PID         int    `json:"pid"`
	SocketPath  string `json:"socket_path"`
	HTTPAddr    string `json:"http_addr"`
	Uptime      string `json:"uptime"`
	ClientCount int64  `json:"client_count"`
	Merges      int64  `json:"merges"`
	Downloads   int64  `json:"downloads"`
}
