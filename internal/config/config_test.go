package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/reconcile"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:0", cfg.Daemon.HTTPAddr)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Path)
	assert.Equal(t, DefaultStartURL, cfg.Browser.StartURL)
	assert.Equal(t, reconcile.DefaultDebounce, cfg.Timing.Debounce)
	assert.Equal(t, merge.Allow, cfg.Merge.Duplicate)
	assert.Equal(t, selectors.Default(), cfg.Selectors)
}

func TestParseKDLConfig(t *testing.T) {
	content := `
daemon {
    socket "/tmp/pg.sock"
    http-addr "127.0.0.1:8765"
}
paths {
    downloads "/srv/videos"
}
ffmpeg {
    path "/opt/ffmpeg/bin/ffmpeg"
}
browser {
    headless true
    start-url "https://www.instagram.com/explore/"
}
timing {
    debounce-ms 250
}
merge {
    duplicate "coalesce"
    fetch-rate 2.5
}
selectors {
    account-name "header a span"
}
`
	cfg, err := ParseKDLConfig(content)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pg.sock", cfg.Daemon.Socket)
	assert.Equal(t, "127.0.0.1:8765", cfg.Daemon.HTTPAddr)
	assert.Equal(t, "/srv/videos", cfg.Paths.Downloads)
	assert.NotEmpty(t, cfg.Paths.Data, "unset paths keep their defaults")
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpeg.Path)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "https://www.instagram.com/explore/", cfg.Browser.StartURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.Debounce)
	assert.Equal(t, merge.Coalesce, cfg.Merge.Duplicate)
	assert.Equal(t, 2.5, cfg.Merge.FetchRate)

	assert.Equal(t, "header a span", cfg.Selectors.AccountNameSelector)
	assert.Equal(t, selectors.DefaultShareControl, cfg.Selectors.ShareControl)
}

func TestParseKDLConfig_Empty(t *testing.T) {
	cfg, err := ParseKDLConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseKDLConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duplicate policy", `merge { duplicate "sometimes"; }`},
		{"public http addr", `daemon { http-addr "0.0.0.0:8080"; }`},
		{"http addr without port", `daemon { http-addr "localhost"; }`},
		{"syntax", `daemon {`},
		{"broken selector", `selectors { share-control "[[["; }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKDLConfig(tt.content)
			assert.Error(t, err)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "Downloads"), ExpandHome("~/Downloads"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}

func TestGlobalConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	assert.Equal(t, filepath.Join("/cfg", "postgrab", "config.kdl"), GlobalConfigPath())
}

func TestLoadGlobalConfig_Missing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postgrab", "config.kdl")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "Downloads"), cfg.Paths.Downloads)
	assert.Equal(t, merge.Allow, cfg.Merge.Duplicate)
	assert.Equal(t, 4.0, cfg.Merge.FetchRate)
	assert.False(t, cfg.Browser.Headless)

	assert.Error(t, WriteDefaultConfig(path), "existing file is not overwritten")
}
