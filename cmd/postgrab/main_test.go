package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/postgrab/internal/merge"
)

func testRoot(t *testing.T, flags ...string) *cobra.Command {
	t.Helper()
	root := &cobra.Command{Use: appName}
	root.PersistentFlags().String("socket", "", "")
	root.PersistentFlags().String("config", "", "")
	child := &cobra.Command{Use: "child"}
	root.AddCommand(child)
	require.NoError(t, root.ParseFlags(flags))
	return child
}

func TestLoadConfigSocketFlagWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.kdl")
	require.NoError(t, os.WriteFile(path, []byte(`daemon { socket "/tmp/from-file.sock"; }
merge { duplicate "coalesce"; }`), 0o644))

	cfg := loadConfig(testRoot(t, "--config", path))
	assert.Equal(t, "/tmp/from-file.sock", cfg.Daemon.Socket)
	assert.Equal(t, merge.Coalesce, cfg.Merge.Duplicate)

	cfg = loadConfig(testRoot(t, "--config", path, "--socket", "/tmp/flag.sock"))
	assert.Equal(t, "/tmp/flag.sock", cfg.Daemon.Socket)
}

func TestAutoStartPassesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cmd := testRoot(t, "--config", path, "--socket", "/tmp/s.sock")

	ac := autoStartConfig(cmd, loadConfig(cmd))
	assert.Equal(t, "/tmp/s.sock", ac.SocketPath)
	assert.Equal(t, []string{"daemon", "start", "--foreground", "--config", path}, ac.Args)
}

func TestDaemonConfigFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.kdl")
	require.NoError(t, os.WriteFile(path, []byte(`ffmpeg { path "/opt/ffmpeg"; }
merge { fetch-rate 2.5; }`), 0o644))
	cmd := testRoot(t, "--config", path)

	dc := daemonConfig(loadConfig(cmd))
	assert.Equal(t, "/opt/ffmpeg", dc.FFmpegPath)
	assert.Equal(t, 2.5, dc.FetchRate)
	assert.Equal(t, "127.0.0.1:0", dc.HTTPAddr)
}

type fakeLifecycle struct {
	initErr, removeErr error
	removed            bool
}

func (f *fakeLifecycle) Init(context.Context) error { return f.initErr }

func (f *fakeLifecycle) Remove() error {
	f.removed = true
	return f.removeErr
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestRunDocumentLogsRemoveError(t *testing.T) {
	buf := captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeLifecycle{removeErr: errors.New("already removed")}
	runDocument(ctx, d, "https://www.instagram.com/")
	assert.True(t, d.removed)
	assert.Contains(t, buf.String(), "[Watch] remove https://www.instagram.com/: already removed")
}

func TestRunDocumentInitFailureSkipsRemove(t *testing.T) {
	buf := captureLog(t)
	d := &fakeLifecycle{initErr: errors.New("bad state")}
	runDocument(context.Background(), d, "https://www.instagram.com/p/X/")
	assert.False(t, d.removed)
	assert.Contains(t, buf.String(), "[Watch] init https://www.instagram.com/p/X/: bad state")
}
