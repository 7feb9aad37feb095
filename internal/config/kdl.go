package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"

	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

// AppName names the config and data directories.
const AppName = "postgrab"

// GlobalConfigFile is the config file name inside the config directory.
const GlobalConfigFile = "config.kdl"

// KDLConfig represents the KDL configuration structure.
type KDLConfig struct {
	Daemon    KDLDaemon    `kdl:"daemon"`
	Paths     KDLPaths     `kdl:"paths"`
	FFmpeg    KDLFFmpeg    `kdl:"ffmpeg"`
	Browser   KDLBrowser   `kdl:"browser"`
	Timing    KDLTiming    `kdl:"timing"`
	Merge     KDLMerge     `kdl:"merge"`
	Selectors KDLSelectors `kdl:"selectors"`
}

// KDLDaemon holds the daemon block.
type KDLDaemon struct {
	Socket   string `kdl:"socket"`
	HTTPAddr string `kdl:"http-addr"`
}

// KDLPaths holds the paths block.
type KDLPaths struct {
	Downloads string `kdl:"downloads"`
	Data      string `kdl:"data"`
}

// KDLFFmpeg holds the ffmpeg block.
type KDLFFmpeg struct {
	Path string `kdl:"path"`
}

// KDLBrowser holds the browser block. Headless is a pointer so an absent
// node keeps the default.
type KDLBrowser struct {
	Bin         string `kdl:"bin"`
	Headless    *bool  `kdl:"headless"`
	UserDataDir string `kdl:"user-data-dir"`
	StartURL    string `kdl:"start-url"`
}

// KDLTiming holds the timing block.
type KDLTiming struct {
	DebounceMS int `kdl:"debounce-ms"`
}

// KDLMerge holds the merge block.
type KDLMerge struct {
	Duplicate string  `kdl:"duplicate"`
	FetchRate float64 `kdl:"fetch-rate"`
}

// KDLSelectors overrides individual selector entries.
type KDLSelectors struct {
	Version       string `kdl:"version"`
	PostContainer string `kdl:"post-container"`
	ShareControl  string `kdl:"share-control"`
	AccountName   string `kdl:"account-name"`
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, AppName, GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration, falling back to
// defaults when no file exists.
func LoadGlobalConfig() (*Config, error) {
	path := GlobalConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfigFile(path)
}

// Load reads path when given and the global config otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadGlobalConfig()
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data on top of the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	cfg := kdlConfigToConfig(&kdlCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func kdlConfigToConfig(k *KDLConfig) *Config {
	cfg := DefaultConfig()

	if k.Daemon.Socket != "" {
		cfg.Daemon.Socket = ExpandHome(k.Daemon.Socket)
	}
	if k.Daemon.HTTPAddr != "" {
		cfg.Daemon.HTTPAddr = k.Daemon.HTTPAddr
	}

	if k.Paths.Downloads != "" {
		cfg.Paths.Downloads = ExpandHome(k.Paths.Downloads)
	}
	if k.Paths.Data != "" {
		cfg.Paths.Data = ExpandHome(k.Paths.Data)
	}

	if k.FFmpeg.Path != "" {
		cfg.FFmpeg.Path = ExpandHome(k.FFmpeg.Path)
	}

	if k.Browser.Bin != "" {
		cfg.Browser.Bin = ExpandHome(k.Browser.Bin)
	}
	if k.Browser.Headless != nil {
		cfg.Browser.Headless = *k.Browser.Headless
	}
	if k.Browser.UserDataDir != "" {
		cfg.Browser.UserDataDir = ExpandHome(k.Browser.UserDataDir)
	}
	if k.Browser.StartURL != "" {
		cfg.Browser.StartURL = k.Browser.StartURL
	}

	if k.Timing.DebounceMS > 0 {
		cfg.Timing.Debounce = time.Duration(k.Timing.DebounceMS) * time.Millisecond
	}

	if k.Merge.Duplicate != "" {
		cfg.Merge.Duplicate = merge.Policy(strings.ToLower(k.Merge.Duplicate))
	}
	if k.Merge.FetchRate > 0 {
		cfg.Merge.FetchRate = k.Merge.FetchRate
	}

	cfg.Selectors = cfg.Selectors.Merge(selectors.Registry{
		Version:             k.Selectors.Version,
		PostContainer:       k.Selectors.PostContainer,
		ShareControl:        k.Selectors.ShareControl,
		AccountNameSelector: k.Selectors.AccountName,
	})
	return cfg
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// postgrab configuration

daemon {
    // Unix socket; defaults to $XDG_RUNTIME_DIR/postgrab.sock
    // socket "/run/user/1000/postgrab.sock"
    // Blob and event server, loopback only (port 0 picks one)
    http-addr "127.0.0.1:0"
}

paths {
    downloads "~/Downloads"
    // data "~/.local/share/postgrab"
}

ffmpeg {
    path "ffmpeg"
}

browser {
    // bin "/usr/bin/chromium"
    headless false
    // user-data-dir "~/.config/postgrab/chrome"
    start-url "https://www.instagram.com/"
}

timing {
    // Quiet period before posts are reconciled
    debounce-ms 1000
}

merge {
    // allow: every click merges; coalesce: identical in-flight merges share one result
    duplicate "allow"
    // Stream requests per second
    fetch-rate 4.0
}

// Override individual entries when the page markup changes
selectors {
    // share-control "svg[aria-label=\"Share\"]"
    // account-name "header a span"
    // post-container "article"
}
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
