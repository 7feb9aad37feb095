package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the media kind of an adaptation set.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Representation is one encoded stream of a manifest.
type Representation struct {
	Kind      Kind
	Bandwidth int64
	URL       string
}

// Pair is the chosen video stream and optional audio stream of one post.
type Pair struct {
	VideoURL       string
	AudioURL       string
	VideoBandwidth int64
	AudioBandwidth int64
	// Duration is the manifest's presentation duration, zero if absent.
	Duration time.Duration
}

// HasAudio reports whether a separate audio stream was selected.
func (p Pair) HasAudio() bool { return p.AudioURL != "" }

var (
	videoCodecs = []string{"avc", "hev", "hvc", "vp", "av01"}
	audioCodecs = []string{"mp4a", "opus", "aac", "ac-3", "ec-3"}
)

// classify inspects mimeType, contentType and codecs attributes of a set
// and its representations. Video markers take precedence over audio.
func classify(attrs [][]xml.Attr) Kind {
	video, audio := false, false
	for _, list := range attrs {
		for _, a := range list {
			v := strings.ToLower(strings.TrimSpace(a.Value))
			switch a.Name.Local {
			case "mimeType", "contentType":
				video = video || strings.HasPrefix(v, "video")
				audio = audio || strings.HasPrefix(v, "audio")
			case "codecs":
				video = video || hasAnyPrefix(v, videoCodecs)
				audio = audio || hasAnyPrefix(v, audioCodecs)
			}
		}
	}
	switch {
	case video:
		return KindVideo
	case audio:
		return KindAudio
	default:
		return KindUnknown
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func attrValue(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

type adaptationSet struct {
	attrs []xml.Attr
	reps  []rawRepresentation
}

type rawRepresentation struct {
	attrs []xml.Attr
	url   string
}

// Representations lists every classified representation of an MPD in
// document order. Representations without a BaseURL are skipped.
func Representations(mpd string) ([]Representation, time.Duration, error) {
	dec := xml.NewDecoder(strings.NewReader(mpd))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var (
		out      []Representation
		duration time.Duration
		set      *adaptationSet
		rep      *rawRepresentation
		inBase   bool
		base     strings.Builder
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrParse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "MPD":
				duration = ParseDuration(attrValue(t.Attr, "mediaPresentationDuration"))
			case "AdaptationSet":
				set = &adaptationSet{attrs: t.Attr}
			case "Representation":
				if set != nil {
					rep = &rawRepresentation{attrs: t.Attr}
				}
			case "BaseURL":
				if rep != nil {
					inBase = true
					base.Reset()
				}
			}
		case xml.CharData:
			if inBase {
				base.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "BaseURL":
				if inBase && rep != nil {
					rep.url = strings.TrimSpace(base.String())
				}
				inBase = false
			case "Representation":
				if set != nil && rep != nil {
					set.reps = append(set.reps, *rep)
				}
				rep = nil
			case "AdaptationSet":
				if set != nil {
					out = append(out, set.flatten()...)
				}
				set = nil
			}
		}
	}
	return out, duration, nil
}

func (s *adaptationSet) flatten() []Representation {
	attrs := [][]xml.Attr{s.attrs}
	for _, r := range s.reps {
		attrs = append(attrs, r.attrs)
	}
	kind := classify(attrs)
	if kind == KindUnknown {
		return nil
	}
	var out []Representation
	for _, r := range s.reps {
		if r.url == "" {
			continue
		}
		bw, err := strconv.ParseInt(strings.TrimSpace(attrValue(r.attrs, "bandwidth")), 10, 64)
		if err != nil || bw < 0 {
			bw = 0
		}
		out = append(out, Representation{Kind: kind, Bandwidth: bw, URL: r.url})
	}
	return out
}

// SelectBest picks the highest-bandwidth video and audio representation of
// an MPD. Ties go to the representation seen first. A manifest without any
// video representation yields ErrNotFound; audio is optional.
func SelectBest(mpd string) (Pair, error) {
	reps, duration, err := Representations(mpd)
	if err != nil {
		return Pair{}, err
	}

	p := Pair{Duration: duration}
	for _, r := range reps {
		switch r.Kind {
		case KindVideo:
			if p.VideoURL == "" || r.Bandwidth > p.VideoBandwidth {
				p.VideoURL, p.VideoBandwidth = r.URL, r.Bandwidth
			}
		case KindAudio:
			if p.AudioURL == "" || r.Bandwidth > p.AudioBandwidth {
				p.AudioURL, p.AudioBandwidth = r.URL, r.Bandwidth
			}
		}
	}
	if p.VideoURL == "" {
		return Pair{}, fmt.Errorf("%w: no video representation", ErrNotFound)
	}
	return p, nil
}

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses an ISO-8601 duration such as PT43.945332S. It
// returns zero for anything it does not understand.
func ParseDuration(s string) time.Duration {
	m := isoDurationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		f, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0
		}
		total += time.Duration(f * float64(u))
	}
	return total
}
