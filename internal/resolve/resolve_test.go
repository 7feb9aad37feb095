package resolve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/postaction"
	"github.com/standardbeagle/postgrab/internal/remux"
	"github.com/standardbeagle/postgrab/internal/selectors"
)

const testMPD = `<MPD mediaPresentationDuration="PT30.2S"><Period>` +
	`<AdaptationSet contentType="video"><Representation bandwidth="500" codecs="avc1"><BaseURL>https://cdn.example/v500.mp4</BaseURL></Representation>` +
	`<Representation bandwidth="900" codecs="avc1"><BaseURL>https://cdn.example/v900.mp4</BaseURL></Representation></AdaptationSet>` +
	`<AdaptationSet contentType="audio"><Representation bandwidth="128" codecs="mp4a.40.2"><BaseURL>https://cdn.example/a128.mp4</BaseURL></Representation></AdaptationSet>` +
	`</Period></MPD>`

func page(t *testing.T, body string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"items": []any{map[string]any{
		"code":                "POST1",
		"video_dash_manifest": testMPD,
	}}})
	require.NoError(t, err)
	return `<html><body><main role="main">` + body + `</main><script type="application/json">` + string(b) + `</script></body></html>`
}

const header = `<header><a role="link" class="notranslate" href="/alice/"><span dir="auto">alice</span></a></header>`

func newResolver() *Resolver {
	f := remux.NewFetcher(remux.DefaultRate)
	f.Limiter = rate.NewLimiter(rate.Inf, 1)
	f.Retry.InitialWait = time.Millisecond
	r := New(f, selectors.Default())
	r.Namer = postaction.NewNamer(func() time.Time { return time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC) })
	return r
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "post.html")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestResolveDetailFile(t *testing.T) {
	path := writeFile(t, page(t, `<div>`+header+`<video duration="30.7"></video></div>`))

	res, err := newResolver().Resolve(context.Background(), path, "https://www.instagram.com/p/POST1/", false)
	require.NoError(t, err)
	assert.Equal(t, "POST1", res.PostID)
	assert.Equal(t, "alice", res.Account)
	assert.Equal(t, "alice_30", res.Name)
	assert.Equal(t, "https://cdn.example/v900.mp4", res.Request.VideoURL)
	assert.Equal(t, "https://cdn.example/a128.mp4", res.Request.AudioURL)
	assert.True(t, res.Pair.HasAudio())
}

func TestResolveArticleWithoutLocation(t *testing.T) {
	path := writeFile(t, page(t, `<article>`+header+`<video></video><a href="/p/POST1/"><time>1h</time></a></article>`))

	res, err := newResolver().Resolve(context.Background(), path, "", true)
	require.NoError(t, err)
	assert.Equal(t, "POST1", res.PostID)
	assert.InDelta(t, 30.2, res.Seconds, 0.001, "manifest duration when the video has none")
	assert.Equal(t, "VID-20250309-WA0001", res.Name)
	assert.True(t, res.Request.WhatsappMode)
}

func TestResolveErrors(t *testing.T) {
	r := newResolver()

	_, err := r.Resolve(context.Background(), writeFile(t, page(t, `<video></video>`)), "", false)
	assert.ErrorIs(t, err, ErrNoPostID)
	assert.ErrorIs(t, err, manifest.ErrNotFound)

	_, err = r.Resolve(context.Background(), writeFile(t, page(t, `<video></video>`)), "https://www.instagram.com/p/OTHER/", false)
	assert.ErrorIs(t, err, manifest.ErrNotFound)

	_, err = r.Resolve(context.Background(), filepath.Join(t.TempDir(), "missing.html"), "", false)
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	body := page(t, `<div>`+header+`<video duration="9.2"></video></div>`)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer ts.Close()

	res, err := newResolver().Resolve(context.Background(), ts.URL+"/p/POST1/", "", false)
	require.NoError(t, err)
	assert.Equal(t, "POST1", res.PostID)
	assert.Equal(t, "alice_9", res.Name)
}

func TestPostURL(t *testing.T) {
	u, err := PostURL("https://www.instagram.com/reel/XyZ/?igsh=abc#c")
	require.NoError(t, err)
	assert.Equal(t, "https://www.instagram.com/p/XyZ/", u)

	_, err = PostURL("https://www.instagram.com/alice/")
	assert.Error(t, err)
}
