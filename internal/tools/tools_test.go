//go:build unix

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/postgrab/internal/daemon"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/protocol"
	"github.com/standardbeagle/postgrab/internal/resolve"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

const testMPD = `<MPD><Period>` +
	`<AdaptationSet contentType="video"><Representation bandwidth="700" codecs="avc1"><BaseURL>https://cdn.example/v.mp4</BaseURL></Representation></AdaptationSet>` +
	`<AdaptationSet contentType="audio"><Representation bandwidth="96" codecs="mp4a.40.2"><BaseURL>https://cdn.example/a.mp4</BaseURL></Representation></AdaptationSet>` +
	`</Period></MPD>`

func savedPage(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"code": "POST1", "video_dash_manifest": testMPD})
	require.NoError(t, err)
	markup := `<html><body><main role="main"><div>` +
		`<header><a role="link" class="notranslate" href="/bob/"><span dir="auto">bob</span></a></header>` +
		`<video duration="14.4"></video></div></main>` +
		`<script type="application/json">` + string(data) + `</script></body></html>`
	p := filepath.Join(t.TempDir(), "post.html")
	require.NoError(t, os.WriteFile(p, []byte(markup), 0o644))
	return p
}

func startTools(t *testing.T, merger merge.Requester) *DaemonTools {
	t.Helper()
	dir, err := os.MkdirTemp("", "pgt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d, err := daemon.New(daemon.DaemonConfig{
		SocketPath:   filepath.Join(dir, "d.sock"),
		HTTPAddr:     "127.0.0.1:0",
		DataDir:      filepath.Join(dir, "data"),
		DownloadsDir: filepath.Join(dir, "downloads"),
		Merger:       merger,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	cfg := daemon.DefaultAutoStartConfig()
	cfg.SocketPath = filepath.Join(dir, "d.sock")
	cfg.MaxRetries = 0
	dt := NewDaemonTools(cfg, resolve.New(nil, selectors.Default()))
	t.Cleanup(func() { dt.Close() })
	return dt
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	if tc, ok := r.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestResolveTool(t *testing.T) {
	dt := NewDaemonTools(daemon.DefaultAutoStartConfig(), resolve.New(nil, selectors.Default()))
	handler := dt.makeResolveHandler()

	res, out, err := handler(context.Background(), nil, ResolveInput{
		Source:   savedPage(t),
		Location: "https://www.instagram.com/p/POST1/",
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "POST1", out.PostID)
	assert.Equal(t, "bob_14", out.Name)
	assert.Equal(t, "https://cdn.example/v.mp4", out.VideoURL)
	assert.Equal(t, "https://cdn.example/a.mp4", out.AudioURL)
	assert.Equal(t, int64(700), out.VideoBandwidth)

	res, _, err = handler(context.Background(), nil, ResolveInput{Source: savedPage(t)})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "no stream data")

	res, _, _ = handler(context.Background(), nil, ResolveInput{})
	assert.Contains(t, resultText(res), "source is required")
}

func TestMergeTool(t *testing.T) {
	var got merge.Request
	dt := startTools(t, merge.RequesterFunc(func(_ context.Context, req merge.Request) (merge.Response, error) {
		got = req
		return merge.Succeeded("http://127.0.0.1:1/blob/x"), nil
	}))

	res, out, err := dt.makeMergeHandler()(context.Background(), nil, ResolveInput{
		Source:   savedPage(t),
		Location: "https://www.instagram.com/p/POST1/",
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.True(t, out.Success)
	assert.Equal(t, "bob_14", out.Name)
	assert.Equal(t, "http://127.0.0.1:1/blob/x", out.BlobURL)
	assert.Equal(t, merge.NewRequest("https://cdn.example/v.mp4", "https://cdn.example/a.mp4", "bob_14", false), got)
}

func TestMergeToolFailure(t *testing.T) {
	dt := startTools(t, merge.RequesterFunc(func(context.Context, merge.Request) (merge.Response, error) {
		return merge.Failed(nil), nil
	}))

	res, out, err := dt.makeMergeHandler()(context.Background(), nil, ResolveInput{
		Source:   savedPage(t),
		Location: "https://www.instagram.com/p/POST1/",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.False(t, out.Success)
	assert.Equal(t, "merge failed: Merge failed", resultText(res))
}

func TestSettingsTool(t *testing.T) {
	dt := startTools(t, nil)
	handler := dt.makeSettingsHandler()
	ctx := context.Background()

	res, out, err := handler(ctx, nil, SettingsInput{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, map[string]bool{"extensionEnabled": true, "whatsappMode": false}, out.Settings)

	on := true
	res, _, _ = handler(ctx, nil, SettingsInput{Action: "set", Key: "whatsappMode", Value: &on})
	assert.Nil(t, res)

	_, out, _ = handler(ctx, nil, SettingsInput{Action: "get", Key: "whatsappMode"})
	assert.Equal(t, map[string]bool{"whatsappMode": true}, out.Settings)

	res, _, _ = handler(ctx, nil, SettingsInput{Action: "get", Key: "darkMode"})
	require.NotNil(t, res)
	assert.Contains(t, resultText(res), "not found")

	res, _, _ = handler(ctx, nil, SettingsInput{Action: "set", Key: "whatsappMode"})
	assert.Contains(t, resultText(res), "required")

	res, _, _ = handler(ctx, nil, SettingsInput{Action: "toggle"})
	assert.Contains(t, resultText(res), "Valid actions")
}

func TestFormatDaemonError(t *testing.T) {
	err := &protocol.Error{Code: protocol.ErrInvalidArgs, Message: "bad key"}
	assert.Equal(t, "settings: invalid arguments - bad key", resultText(formatDaemonError(err, "settings")))
	assert.Equal(t, "merge failed: "+assert.AnError.Error(), resultText(formatDaemonError(assert.AnError, "merge")))

	wrapped := fmt.Errorf("%w: %w", daemon.ErrServerError, &protocol.Error{Code: protocol.ErrNotFound, Message: "darkMode"})
	assert.Equal(t, "settings: not found - darkMode", resultText(formatDaemonError(wrapped, "settings")))
}
