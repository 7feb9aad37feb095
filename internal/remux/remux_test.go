package remux

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/standardbeagle/postgrab/internal/blob"
	"github.com/standardbeagle/postgrab/internal/merge"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name  string
		audio string
		want  []string
	}{
		{
			name:  "with audio",
			audio: "a.mp4",
			want: []string{
				"-y", "-i", "v.mp4", "-i", "a.mp4",
				"-map", "0:v:0", "-map", "1:a:0?",
				"-c:v", "copy", "-c:a", "copy", "-shortest",
				"-progress", "pipe:2", "-nostats", "out.mp4",
			},
		},
		{
			name: "video only",
			want: []string{
				"-y", "-i", "v.mp4",
				"-map", "0:v:0", "-c", "copy",
				"-progress", "pipe:2", "-nostats", "out.mp4",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildArgs("v.mp4", tt.audio, "out.mp4"))
		})
	}
}

func TestNewFFmpeg(t *testing.T) {
	f := NewFFmpeg("")
	assert.Equal(t, "ffmpeg", f.Path)
	assert.Equal(t, "ffprobe", f.ProbePath)

	f = NewFFmpeg("/opt/bin/ffmpeg")
	assert.Equal(t, "/opt/bin/ffprobe", f.ProbePath)
}

func TestMonitorProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=10",
		"out_time_us=5000000",
		"progress=continue",
		"out_time_us=N/A",
		"out_time_us=10000000",
		"Conversion failed!",
		"progress=end",
	}, "\n")

	var got []float64
	var tail bytes.Buffer
	monitorProgress(strings.NewReader(input), 10, func(p float64) { got = append(got, p) }, &tail)

	assert.Equal(t, []float64{50, 100}, got)
	assert.Equal(t, "Conversion failed!", lastLine(tail.String()))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(5, 0))
	assert.Equal(t, 25.0, Percent(2.5, 10))
	assert.Equal(t, 100.0, Percent(12, 10))
}

func fastFetcher() *Fetcher {
	f := NewFetcher(1000)
	f.Limiter = rate.NewLimiter(rate.Inf, 1)
	f.Retry = RetryConfig{MaxRetries: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
	return f
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("stream"))
	}))
	defer ts.Close()

	dst := filepath.Join(t.TempDir(), "v.mp4")
	n, err := fastFetcher().Fetch(context.Background(), ts.URL, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "stream", string(data))
}

func TestFetchGivesUp(t *testing.T) {
	t.Run("not found is final", func(t *testing.T) {
		var hits atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		_, err := fastFetcher().Fetch(context.Background(), ts.URL, filepath.Join(t.TempDir(), "v"))
		require.Error(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("server errors exhaust retries", func(t *testing.T) {
		var hits atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := fastFetcher().Fetch(context.Background(), ts.URL, filepath.Join(t.TempDir(), "v"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.Equal(t, int32(4), hits.Load())
	})
}

func TestFetchStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := filepath.Join(t.TempDir(), "v.mp4")
	_, err := fastFetcher().Fetch(ctx, ts.URL, dst)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), hits.Load())
	assert.NoFileExists(t, dst)
}

// fakeRunner concatenates its inputs instead of running ffmpeg.
type fakeRunner struct {
	err      error
	gotAudio string
}

func (f *fakeRunner) Duration(context.Context, string) (float64, error) { return 10, nil }

func (f *fakeRunner) Remux(_ context.Context, video, audio, out string, _ float64, progress ProgressFunc) error {
	f.gotAudio = audio
	if f.err != nil {
		return f.err
	}
	v, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	if audio != "" {
		a, err := os.ReadFile(audio)
		if err != nil {
			return err
		}
		v = append(v, a...)
	}
	progress(50)
	progress(100)
	return os.WriteFile(out, v, 0o644)
}

func streamServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v":
			w.Write([]byte("VIDEO"))
		case "/a":
			w.Write([]byte("AUDIO"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newService(t *testing.T, r Runner) *Service {
	t.Helper()
	store, err := blob.NewStore(t.TempDir(), time.Minute)
	require.NoError(t, err)
	store.SetBaseURL("http://127.0.0.1:9")
	s := NewService(fastFetcher(), r, store)
	s.TempDir = t.TempDir()
	return s
}

func TestServiceMerge(t *testing.T) {
	ts := streamServer(t)
	runner := &fakeRunner{}
	s := newService(t, runner)

	var progress []float64
	s.Progress = func(name string, p float64) {
		assert.Equal(t, "alice_30", name)
		progress = append(progress, p)
	}

	resp, err := s.Merge(context.Background(), merge.NewRequest(ts.URL+"/v", ts.URL+"/a", "alice_30", false))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.True(t, strings.HasPrefix(resp.BlobURL, "http://127.0.0.1:9/blob/"))
	assert.Equal(t, []float64{50, 100}, progress)

	e, err := s.Store.Get(strings.TrimPrefix(resp.BlobURL, "http://127.0.0.1:9/blob/"))
	require.NoError(t, err)
	assert.Equal(t, "alice_30.mp4", e.Name)
	data, err := os.ReadFile(e.Path)
	require.NoError(t, err)
	assert.Equal(t, "VIDEOAUDIO", string(data))

	entries, err := os.ReadDir(s.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceMergeVideoOnly(t *testing.T) {
	ts := streamServer(t)
	runner := &fakeRunner{}
	s := newService(t, runner)

	resp, _ := s.Merge(context.Background(), merge.NewRequest(ts.URL+"/v", "", "bob_5", false))
	require.True(t, resp.Success, resp.Error)
	assert.Empty(t, runner.gotAudio)
}

func TestServiceMergeFailures(t *testing.T) {
	ts := streamServer(t)

	tests := []struct {
		name    string
		req     merge.Request
		runErr  error
		wantErr string
	}{
		{"invalid request", merge.Request{Type: "other"}, nil, "unsupported request type"},
		{"video missing", merge.NewRequest(ts.URL+"/missing", "", "x", false), nil, "fetch video"},
		{"audio missing", merge.NewRequest(ts.URL+"/v", ts.URL+"/missing", "x", false), nil, "fetch audio"},
		{"ffmpeg fails", merge.NewRequest(ts.URL+"/v", ts.URL+"/a", "x", false), errors.New("ffmpeg: exit status 1"), "exit status 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t, &fakeRunner{err: tt.runErr})
			resp, err := s.Merge(context.Background(), tt.req)
			require.NoError(t, err)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.wantErr)
			assert.Empty(t, resp.BlobURL)
		})
	}
}
