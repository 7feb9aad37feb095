// Package notice shows short status messages to the user. On a page they
// are alert boxes postgrab owns; on the command line they are coloured
// lines.
package notice

import (
	"fmt"
	"sync"
	"time"
)

// Kind selects the presentation of a notice.
type Kind string

const (
	Default Kind = "default"
	Warn    Kind = "warn"
	Error   Kind = "error"
)

// DefaultTimeout is how long a non-sticky notice stays up.
const DefaultTimeout = 5000 * time.Millisecond

// Fade is the fade-in and fade-out time of a notice on a live page.
const Fade = 300 * time.Millisecond

// Messages shown by the post actions.
const (
	MsgProcessing       = "Processing video with FFmpeg..."
	MsgDownloadStarted  = "Video download started!"
	MsgCouldNotMerge    = "Could not merge video and audio"
	MsgNoVideo          = "Could not find video"
	MsgNoPostID         = "Could not find post ID"
	MsgNoPostIDNavigate = "Could not find post ID to navigate"
	MsgNoVideoURL       = "Could not find video URL"
	MsgNotLoaded        = "Video data not loaded yet. Please refresh the page (F5) and try again."
	MsgOpenPostFirst    = "To download this video: Click the post to open it, then click the download button on the opened post page."
	MsgUnknownError     = "Unknown error"
)

// LongTimeout is used for the messages that ask the user to do something.
const LongTimeout = 15000 * time.Millisecond

// Notice is one message.
type Notice struct {
	Text string
	Kind Kind
	// Timeout overrides DefaultTimeout. Ignored for sticky notices.
	Timeout time.Duration
	// Sticky notices stay until dismissed and have no close button.
	Sticky bool
}

// Handle identifies a shown notice.
type Handle uint64

// Notifier shows and dismisses notices. Dismissing an unknown or already
// expired handle is a no-op.
type Notifier interface {
	Show(n Notice) Handle
	Dismiss(h Handle)
}

// Warnf is a warn notice with the default timeout.
func Warnf(format string, args ...any) Notice {
	return Notice{Text: fmt.Sprintf(format, args...), Kind: Warn}
}

// MergeFailed formats the failure reported by the merger.
func MergeFailed(reason string) Notice {
	if reason == "" {
		reason = MsgUnknownError
	}
	return Warnf("Merge failed: %s", reason)
}

func (n Notice) kind() Kind {
	switch n.Kind {
	case Warn, Error:
		return n.Kind
	default:
		return Default
	}
}

func (n Notice) timeout() time.Duration {
	if n.Sticky {
		return 0
	}
	if n.Timeout > 0 {
		return n.Timeout
	}
	return DefaultTimeout
}

// Multi fans every notice out to several notifiers.
type Multi struct {
	targets []Notifier

	mu      sync.Mutex
	next    Handle
	handles map[Handle][]Handle
}

// NewMulti returns a Notifier writing to every target.
func NewMulti(targets ...Notifier) *Multi {
	return &Multi{targets: targets, handles: make(map[Handle][]Handle)}
}

func (m *Multi) Show(n Notice) Handle {
	inner := make([]Handle, len(m.targets))
	for i, t := range m.targets {
		inner[i] = t.Show(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.handles[m.next] = inner
	return m.next
}

func (m *Multi) Dismiss(h Handle) {
	m.mu.Lock()
	inner, ok := m.handles[h]
	delete(m.handles, h)
	m.mu.Unlock()
	if !ok {
		return
	}
	for i, t := range m.targets {
		t.Dismiss(inner[i])
	}
}

// Recorder keeps every notice in memory. Useful in tests and for the MCP
// tools, which return notices as text.
type Recorder struct {
	mu      sync.Mutex
	shown   []Notice
	active  map[Handle]Notice
	next    Handle
	dismiss int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{active: make(map[Handle]Notice)}
}

func (r *Recorder) Show(n Notice) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.shown = append(r.shown, n)
	r.active[r.next] = n
	return r.next
}

func (r *Recorder) Dismiss(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[h]; ok {
		delete(r.active, h)
		r.dismiss++
	}
}

// Shown returns every notice shown so far, in order.
func (r *Recorder) Shown() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.shown...)
}

// Texts returns the text of every notice shown so far.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.shown))
	for i, n := range r.shown {
		out[i] = n.Text
	}
	return out
}

// Active returns how many notices have not been dismissed.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
