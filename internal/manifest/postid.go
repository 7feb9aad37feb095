package manifest

import (
	"net/url"
	"regexp"

	"github.com/standardbeagle/postgrab/internal/dom"
)

var postPathRe = regexp.MustCompile(`/(p|reel)/([^/?#]+)`)

// PostLinkSelector matches anchors that point at a post or reel.
const PostLinkSelector = `a[href*="/p/"], a[href*="/reel/"]`

// PostIDFromPath extracts the short code from a /p/<id> or /reel/<id> path
// or href. It returns "" when there is none.
func PostIDFromPath(path string) string {
	m := postPathRe.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[2]
}

// PostIDFromURL extracts the short code from a detail page URL.
func PostIDFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return PostIDFromPath(u.Path)
}

// IsDetailURL reports whether u is a post or reel detail page.
func IsDetailURL(u *url.URL) bool {
	return PostIDFromURL(u) != ""
}

// PostIDFromArticle resolves the post shown in article. Links wrapping a
// timestamp are preferred, then any post link, then the page URL. A nil
// article resolves from the page URL alone.
func PostIDFromArticle(doc dom.Document, article dom.Element) string {
	if article != nil {
		for _, t := range article.QueryAll("time") {
			link := t.Closest("a")
			if link == nil {
				continue
			}
			if href, ok := link.Attr("href"); ok {
				if id := PostIDFromPath(href); id != "" {
					return id
				}
			}
		}
		if link := article.Query(PostLinkSelector); link != nil {
			if href, ok := link.Attr("href"); ok {
				if id := PostIDFromPath(href); id != "" {
					return id
				}
			}
		}
	}
	return PostIDFromURL(doc.Location())
}

// DetailURL builds the detail page URL for id on host, carrying the
// auto-download marker when auto is set.
func DetailURL(host, id string, auto bool) string {
	u := url.URL{Scheme: "https", Host: host, Path: "/p/" + id + "/"}
	if auto {
		u.RawQuery = AutoDownloadParam + "=1"
	}
	return u.String()
}

// AutoDownloadParam is the query marker asking the detail page to start
// the download on its own.
const AutoDownloadParam = "igdl"
