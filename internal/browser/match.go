package browser

import (
	"net/url"
	"strings"
)

// MatchPattern reports whether rawURL matches a match pattern of the
// form scheme://host/path. A "*" scheme matches http and https, a
// "*.example.com" host matches example.com and its subdomains, and "*"
// in the path matches any run of characters.
func MatchPattern(pattern, rawURL string) bool {
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	host, path, _ := strings.Cut(rest, "/")
	path = "/" + path

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	switch scheme {
	case "*":
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
	default:
		if u.Scheme != scheme {
			return false
		}
	}

	h := strings.ToLower(u.Hostname())
	switch {
	case host == "*":
	case strings.HasPrefix(host, "*."):
		base := strings.ToLower(host[2:])
		if h != base && !strings.HasSuffix(h, "."+base) {
			return false
		}
	default:
		if h != strings.ToLower(host) {
			return false
		}
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return globMatch(path, p)
}

// globMatch matches s against a pattern where "*" is the only wildcard.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, last)
}
