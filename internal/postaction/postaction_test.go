package postaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/postgrab/internal/dom"
	"github.com/standardbeagle/postgrab/internal/dom/memdom"
	"github.com/standardbeagle/postgrab/internal/marker"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/notice"
	"github.com/standardbeagle/postgrab/internal/reconcile"
	"github.com/standardbeagle/postgrab/internal/retry"
)

const shareGlyph = `<div role="button"><svg aria-label="Share"><path d="M13.973 20.046 3.5 2"></path></svg></div>`

const feedPage = `<html><body><main role="main">
<article id="post1">
  <header><a role="link" class="notranslate" href="/alice/"><span dir="auto">alice</span></a></header>
  <video duration="12.9"></video>
  <section><div role="button"><svg><path d="M1 1"></path></svg></div>` + shareGlyph + `</section>
  <a href="/p/POST1/"><time>1h</time></a>
  <a id="other" href="/p/OTHER/">next</a>
</article>
<article id="image">
  <img src="x.jpg">
  <section>` + shareGlyph + `</section>
  <a href="/p/IMG/"><time>2h</time></a>
</article>
</main></body></html>`

const manifestMPD = `<MPD mediaPresentationDuration="PT30.2S"><Period>` +
	`<AdaptationSet contentType="video"><Representation bandwidth="500" codecs="avc1"><BaseURL>https://cdn.example/v500.mp4?a=1&amp;b=2</BaseURL></Representation>` +
	`<Representation bandwidth="900" codecs="avc1"><BaseURL>https://cdn.example/v900.mp4</BaseURL></Representation></AdaptationSet>` +
	`<AdaptationSet contentType="audio"><Representation bandwidth="128" codecs="mp4a.40.2"><BaseURL>https://cdn.example/a128.mp4</BaseURL></Representation></AdaptationSet>` +
	`</Period></MPD>`

func detailPage(t *testing.T, withManifest bool) string {
	t.Helper()
	script := ""
	if withManifest {
		b, err := json.Marshal(map[string]any{"items": []any{map[string]any{
			"code":                "POST1",
			"video_dash_manifest": manifestMPD,
		}}})
		require.NoError(t, err)
		script = "<script type=\"application/json\">" + string(b) + "</script>"
	}
	return `<html><body><main role="main"><div>
  <header><a role="link" class="notranslate" href="/alice/"><span dir="auto">alice</span></a></header>
  <video duration="30.7"></video>
  <section>` + shareGlyph + `</section>
  <a id="self" href="/p/POST1/">self</a>
</div></main>` + script + `</body></html>`
}

type fakeMerger struct {
	mu   sync.Mutex
	reqs []merge.Request
	resp merge.Response
	err  error
}

func (f *fakeMerger) Merge(_ context.Context, req merge.Request) (merge.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeMerger) requests() []merge.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]merge.Request(nil), f.reqs...)
}

type fixture struct {
	doc    *memdom.Document
	rec    *reconcile.Reconciler
	merger *fakeMerger
	notes  *notice.Recorder
	d      *Downloader
}

var fast = retry.Policy{MaxAttempts: 3, Schedule: retry.Fixed(5 * time.Millisecond), Immediate: true}

func newFixture(t *testing.T, markup, location string, mutate func(*Config)) *fixture {
	t.Helper()
	doc, err := memdom.New(markup, location)
	require.NoError(t, err)
	f := &fixture{
		doc:    doc,
		rec:    reconcile.New(doc, 20*time.Millisecond),
		merger: &fakeMerger{resp: merge.Succeeded("http://127.0.0.1:7777/blob/abc")},
		notes:  notice.NewRecorder(),
	}
	cfg := Config{
		Doc:           doc,
		Window:        doc,
		Reconciler:    f.rec,
		Merger:        f.merger,
		Notifier:      f.notes,
		Enabled:       true,
		Injection:     fast,
		ManifestReady: fast,
		AutoDownload:  retry.Policy{MaxAttempts: 20, Schedule: retry.Fixed(5 * time.Millisecond)},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.d = New(cfg)
	t.Cleanup(func() {
		_ = f.d.Remove()
		f.d.Wait()
	})
	return f
}

func (f *fixture) controls() []dom.Element {
	return f.doc.QueryAll(marker.ControlSelector())
}

func TestInitAttachesOneControlPerVideoPost(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))
	assert.Equal(t, Initialized, f.d.State())

	ctls := f.controls()
	require.Len(t, ctls, 1, "image posts get no control")
	assert.NotNil(t, ctls[0].Closest("#post1"))
	label, _ := ctls[0].Attr("aria-label")
	assert.Equal(t, "Download", label)
	assert.NotNil(t, ctls[0].Query(`path[d="M12 2.5v11m0 0l-3-3m3 3l3-3"]`))
	assert.Nil(t, ctls[0].Query(`path[d^="M13.973"]`), "share glyph replaced")

	require.True(t, f.rec.Observing())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, reconcile.Idle, f.rec.State(), "own inserts never trigger a reconciliation")
	assert.Equal(t, 0, f.rec.Reconciliations())

	assert.ErrorIs(t, f.d.Init(context.Background()), ErrInvalidState)
}

func TestDisabledDoesNothing(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", func(c *Config) { c.Enabled = false })
	require.NoError(t, f.d.Init(context.Background()))
	assert.Empty(t, f.controls())
	assert.False(t, f.rec.Observing())
	assert.Equal(t, Created, f.d.State())
}

func TestReinitializeKeepsExactlyOneControl(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	f.d.Reinitialize()
	f.d.Reinitialize()
	assert.Len(t, f.controls(), 1)
	assert.Equal(t, Initialized, f.d.State())

	// The host renders another video post.
	require.NoError(t, f.doc.AppendHTML("main", `<article id="post3"><video></video><section>`+shareGlyph+`</section><a href="/p/P3/"><time>3h</time></a></article>`))
	assert.Eventually(t, func() bool { return len(f.controls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.rec.State() == reconcile.Idle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.rec.Reconciliations())
}

func TestRemoveIsTerminal(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	require.NoError(t, f.d.Remove())
	assert.Empty(t, f.controls())
	assert.False(t, f.rec.Observing())
	assert.Equal(t, Removed, f.d.State())

	f.d.Reinitialize()
	assert.Empty(t, f.controls(), "a removed downloader is never resurrected")
	assert.ErrorIs(t, f.d.Init(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, f.d.Remove(), ErrInvalidState)
}

func TestInjectionGivesUpWhenRemoved(t *testing.T) {
	f := newFixture(t, `<html><body><main></main></body></html>`, "https://www.instagram.com/", func(c *Config) {
		c.Injection = retry.Policy{MaxAttempts: 100, Schedule: retry.Fixed(10 * time.Millisecond), Immediate: true}
	})
	done := make(chan struct{})
	go func() {
		_ = f.d.Init(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.d.Remove())
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("injection retry kept running after removal")
	}
}

func TestFeedClickOpensDetailPage(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	f.controls()[0].Click()
	f.d.Wait()

	assert.Equal(t, []string{"https://www.instagram.com/p/POST1/?igdl=1"}, f.doc.Opened())
	assert.Empty(t, f.merger.requests())
}

func TestFeedClickWithoutPostID(t *testing.T) {
	page := `<html><body><main role="main"><article><video></video><section>` + shareGlyph + `</section></article></main></body></html>`
	f := newFixture(t, page, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	_, err := f.d.HandleClick(context.Background(), f.controls()[0])
	assert.ErrorIs(t, err, ErrNoPostID)
	assert.Equal(t, []string{notice.MsgNoPostIDNavigate}, f.notes.Texts())
	assert.Empty(t, f.doc.Opened())
}

func TestModalControlIsWrappedAndOpensDetail(t *testing.T) {
	page := `<html><body><main role="main"><div role="dialog"><article>
<video></video>
<div><span class="x1rg5ohu"><button type="button"><svg><polygon points="11.698 20.334 22 3.001"></polygon></svg></button></span></div>
<a href="/p/MODAL1/"><time>5m</time></a>
</article></div></main></body></html>`
	f := newFixture(t, page, "https://www.instagram.com/p/MODAL1/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	wrapper := f.doc.Query("span." + marker.ControlClass)
	require.NotNil(t, wrapper)
	assert.True(t, wrapper.HasClass("x1rg5ohu"))
	assert.NotNil(t, wrapper.Query("button."+marker.ControlClass))
	assert.Len(t, wrapper.QueryAll(`svg[aria-label="Download"]`), 2)

	wrapper.Query("button").Click()
	f.d.Wait()
	assert.Equal(t, []string{"https://www.instagram.com/p/MODAL1/?igdl=1"}, f.doc.Opened())

	f.d.Reinitialize()
	assert.Len(t, f.doc.QueryAll("span."+marker.ControlClass), 1)
}

func TestDetailClickMerges(t *testing.T) {
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", nil)
	require.NoError(t, f.d.Init(context.Background()))
	require.Len(t, f.controls(), 1)

	out, err := f.d.HandleClick(context.Background(), f.controls()[0])
	require.NoError(t, err)

	want := merge.Request{
		Type:           merge.TypeMerge,
		VideoURL:       "https://cdn.example/v900.mp4",
		AudioURL:       "https://cdn.example/a128.mp4",
		OutputFileName: "alice_30",
	}
	assert.Equal(t, want, out.Request)
	assert.Equal(t, []merge.Request{want}, f.merger.requests())
	assert.Equal(t, []string{notice.MsgProcessing, notice.MsgDownloadStarted}, f.notes.Texts())
	assert.True(t, f.notes.Shown()[0].Sticky)
	assert.Equal(t, 1, f.notes.Active(), "processing notice dismissed")
}

func TestTwoClicksSendTwoRequests(t *testing.T) {
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	ctl := f.controls()[0]
	ctl.Click()
	ctl.Click()
	f.d.Wait()

	reqs := f.merger.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0], reqs[1])
}

func TestCoalescePolicyJoinsClicks(t *testing.T) {
	release := make(chan struct{})
	var n int
	var mu sync.Mutex
	slow := merge.RequesterFunc(func(ctx context.Context, req merge.Request) (merge.Response, error) {
		mu.Lock()
		n++
		mu.Unlock()
		<-release
		return merge.Succeeded("blob"), nil
	})
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", func(c *Config) {
		c.Merger = merge.NewDedup(slow, merge.Coalesce)
	})
	require.NoError(t, f.d.Init(context.Background()))

	ctl := f.controls()[0]
	ctl.Click()
	ctl.Click()
	time.Sleep(50 * time.Millisecond)
	close(release)
	f.d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestMergeFailuresAreShown(t *testing.T) {
	tests := []struct {
		name string
		resp merge.Response
		err  error
		want string
	}{
		{"explicit failure", merge.Response{Error: "ffmpeg exited with status 1"}, nil, "Merge failed: ffmpeg exited with status 1"},
		{"failure without reason", merge.Response{}, nil, "Merge failed: Unknown error"},
		{"no response", merge.Response{}, errors.New("socket closed"), "Merge failed: no response from merger: socket closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", nil)
			f.merger.resp, f.merger.err = tt.resp, tt.err
			require.NoError(t, f.d.Init(context.Background()))

			_, err := f.d.HandleClick(context.Background(), f.controls()[0])
			assert.Error(t, err)
			texts := f.notes.Texts()
			require.Len(t, texts, 2)
			assert.Equal(t, tt.want, texts[1])
			assert.Equal(t, 1, f.notes.Active())
		})
	}
}

func TestManifestNeverArrives(t *testing.T) {
	f := newFixture(t, detailPage(t, false), "https://www.instagram.com/p/POST1/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	_, err := f.d.HandleClick(context.Background(), f.controls()[0])
	require.Error(t, err)
	assert.Empty(t, f.merger.requests())

	shown := f.notes.Shown()
	require.Len(t, shown, 1)
	assert.Equal(t, notice.MsgNotLoaded, shown[0].Text)
	assert.Equal(t, notice.LongTimeout, shown[0].Timeout)
}

func TestNoVideoOnDetailPage(t *testing.T) {
	page := `<html><body><main role="main"><video></video><section>` + shareGlyph + `</section></main></body></html>`
	f := newFixture(t, page, "https://www.instagram.com/p/POST1/?img_index=2", nil)
	require.NoError(t, f.d.Init(context.Background()))

	_, err := f.d.HandleClick(context.Background(), f.controls()[0])
	assert.ErrorIs(t, err, ErrNoVideo)
	assert.Equal(t, []string{notice.MsgNoVideo}, f.notes.Texts())
}

func TestSelectVideo(t *testing.T) {
	doc, err := memdom.New(`<html><body><video id="a"></video><video id="b"></video><video id="c"></video></body></html>`, "https://h/")
	require.NoError(t, err)
	all := doc.QueryAll("video")
	id := func(el dom.Element) string {
		if el == nil {
			return ""
		}
		v, _ := el.Attr("id")
		return v
	}

	tests := []struct {
		videos []dom.Element
		index  string
		want   string
	}{
		{all, "", "a"},
		{all[:1], "", "a"},
		{all[:2], "1", "a"},
		{all[:2], "2", "b"},
		{all[:2], "3", ""},
		{all[:2], "zero", ""},
		{all, "1", "b"},
		{all, "7", "b"},
		{nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d videos index %q", len(tt.videos), tt.index), func(t *testing.T) {
			assert.Equal(t, tt.want, id(selectVideo(tt.videos, tt.index)))
		})
	}
}

func TestAccountNameFallback(t *testing.T) {
	page := `<html><body><main role="main"><video duration="9.99"></video><section>` + shareGlyph + `</section></main></body></html>`
	f := newFixture(t, page, "https://www.instagram.com/p/POST1/", nil)
	require.NoError(t, f.d.Init(context.Background()))
	assert.Equal(t, "unknown", f.d.accountName(f.controls()[0]))
}

func TestNaming(t *testing.T) {
	day := time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)
	now := day
	n := NewNamer(func() time.Time { return now })

	assert.Equal(t, "alice_30", n.Name("alice", 30.99, false))
	assert.Equal(t, "unknown_0", n.Name("", -1, false))
	assert.Equal(t, "a_b_12", n.Name("a/b", 12, false))

	assert.Equal(t, "VID-20261018-WA0001", n.Name("alice", 30, true))
	assert.Equal(t, "VID-20261018-WA0002", n.Name("bob", 1, true))
	now = day.Add(time.Minute)
	assert.Equal(t, "VID-20261019-WA0001", n.Name("alice", 30, true))
}

func TestWhatsappModeRequest(t *testing.T) {
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", func(c *Config) {
		c.WhatsappMode = true
		c.Namer = NewNamer(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })
	})
	require.NoError(t, f.d.Init(context.Background()))

	out, err := f.d.HandleClick(context.Background(), f.controls()[0])
	require.NoError(t, err)
	assert.Equal(t, "VID-20260102-WA0001", out.Request.OutputFileName)
	assert.True(t, out.Request.WhatsappMode)
}

func TestAutoDownloadStripsMarkerFirst(t *testing.T) {
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/?igdl=1&img_index=1", nil)
	require.NoError(t, f.d.Init(context.Background()))

	// Stripped synchronously, before the poll goroutine runs.
	assert.Equal(t, []string{"https://www.instagram.com/p/POST1/?img_index=1"}, f.doc.Replaced())
	assert.Empty(t, f.doc.Location().Query().Get("igdl"))

	f.d.Wait()
	require.Len(t, f.merger.requests(), 1)

	// A reload of the stripped URL does not trigger again.
	again := New(Config{Doc: f.doc, Window: f.doc, Reconciler: f.rec, Enabled: true})
	assert.False(t, again.claimAutoDownload())
	assert.False(t, f.d.claimAutoDownload())
}

func TestAutoDownloadIgnoredOffDetailPage(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/?igdl=1", nil)
	require.NoError(t, f.d.Init(context.Background()))
	f.d.Wait()
	assert.Empty(t, f.doc.Replaced())
	assert.Empty(t, f.doc.Opened())
}

func TestNavigationInterception(t *testing.T) {
	f := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	link := f.doc.Query("#other")
	link.Click()
	link.Click()
	assert.Equal(t, []string{"https://www.instagram.com/p/OTHER/"}, f.doc.Assigned(), "repeat is swallowed")
	assert.Empty(t, f.doc.SPANavigations())

	assert.False(t, f.d.interceptNavigation(dom.NavigationEvent{Href: "https://www.instagram.com/p/X/", FromControl: true}))
	assert.False(t, f.d.interceptNavigation(dom.NavigationEvent{Href: "https://www.instagram.com/alice/"}))
}

func TestNavigationRepeatIsScopedToOneDocument(t *testing.T) {
	first := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, first.d.Init(context.Background()))
	first.doc.Query("#other").Click()
	assert.Equal(t, []string{"https://www.instagram.com/p/OTHER/"}, first.doc.Assigned())

	// The next document in the same process, e.g. after going back.
	second := newFixture(t, feedPage, "https://www.instagram.com/", nil)
	require.NoError(t, second.d.Init(context.Background()))
	second.doc.Query("#other").Click()
	assert.Equal(t, []string{"https://www.instagram.com/p/OTHER/"}, second.doc.Assigned())
	assert.Empty(t, second.doc.SPANavigations())
}

func TestNavigationToCurrentPostIsLeftAlone(t *testing.T) {
	f := newFixture(t, detailPage(t, true), "https://www.instagram.com/p/POST1/", nil)
	require.NoError(t, f.d.Init(context.Background()))

	f.doc.Query("#self").Click()
	assert.Empty(t, f.doc.Assigned())
	assert.Equal(t, []string{"https://www.instagram.com/p/POST1/"}, f.doc.SPANavigations())
}
