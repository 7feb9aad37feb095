// Package config loads postgrab's KDL configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/reconcile"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

// Config holds the complete configuration.
type Config struct {
	Daemon    DaemonConfig
	Paths     PathsConfig
	FFmpeg    FFmpegConfig
	Browser   BrowserConfig
	Timing    TimingConfig
	Merge     MergeConfig
	Selectors selectors.Registry
}

// DaemonConfig locates the background daemon.
type DaemonConfig struct {
	Socket   string
	HTTPAddr string
}

// PathsConfig holds directories.
type PathsConfig struct {
	Downloads string
	Data      string
}

// FFmpegConfig locates the ffmpeg binary.
type FFmpegConfig struct {
	Path string
}

// BrowserConfig drives the live browser session.
type BrowserConfig struct {
	Bin         string
	Headless    bool
	UserDataDir string
	StartURL    string
}

// TimingConfig holds page-side timing.
type TimingConfig struct {
	Debounce time.Duration
}

// MergeConfig tunes the merger.
type MergeConfig struct {
	Duplicate merge.Policy
	// FetchRate caps stream requests per second.
	FetchRate float64
}

// DefaultStartURL is where a live session begins.
const DefaultStartURL = "https://www.instagram.com/"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Daemon:    DaemonConfig{HTTPAddr: "127.0.0.1:0"},
		Paths:     PathsConfig{Downloads: defaultDownloads(), Data: defaultData()},
		FFmpeg:    FFmpegConfig{Path: "ffmpeg"},
		Browser:   BrowserConfig{StartURL: DefaultStartURL},
		Timing:    TimingConfig{Debounce: reconcile.DefaultDebounce},
		Merge:     MergeConfig{Duplicate: merge.Allow, FetchRate: 4},
		Selectors: selectors.Default(),
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Timing.Debounce <= 0 {
		c.Timing.Debounce = def.Timing.Debounce
	}
	if c.Merge.FetchRate <= 0 {
		c.Merge.FetchRate = def.Merge.FetchRate
	}
	if c.Browser.StartURL == "" {
		c.Browser.StartURL = def.Browser.StartURL
	}
	if c.Paths.Downloads == "" {
		c.Paths.Downloads = def.Paths.Downloads
	}
	if c.Paths.Data == "" {
		c.Paths.Data = def.Paths.Data
	}
	if _, err := merge.ParsePolicy(string(c.Merge.Duplicate)); err != nil {
		return err
	}
	if c.Selectors.ShareControl == "" {
		c.Selectors = def.Selectors.Merge(c.Selectors)
	}
	if err := c.Selectors.Validate(); err != nil {
		return err
	}
	if c.Daemon.HTTPAddr != "" {
		host, _, err := net.SplitHostPort(c.Daemon.HTTPAddr)
		if err != nil {
			return fmt.Errorf("daemon http-addr: %w", err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("daemon http-addr must be a loopback address, got %q", c.Daemon.HTTPAddr)
		}
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func defaultDownloads() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads")
}

func defaultData() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", AppName)
}
