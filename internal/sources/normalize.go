package sources

import (
	"net/url"
	"path"
	"strings"
)

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
	"ref", "source",
}

// NormalizeURL returns the canonical form used for cross-question dedup:
// lowercase scheme and host, no "www.", no fragment, no tracking parameters
// and no trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, p := range trackingParams {
			q.Del(p)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www."), nil
}

var assetExtensions = map[string]bool{
	".xml": true, ".css": true, ".js": true, ".ico": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// lowValueSegments are matched against whole path segments, extension removed.
var lowValueSegments = map[string]bool{
	"login": true, "signin": true, "sign-in": true, "auth": true, "register": true, "signup": true, "sign-up": true,
	"logout": true, "search": true, "results": true, "404": true, "error": true, "not-found": true, "500": true,
	"terms": true, "tos": true, "privacy": true, "legal": true, "cookie": true, "cookies": true,
	"contact": true, "support": true, "help": true,
	"feed": true, "rss": true, "atom": true,
}

var searchParams = []string{"q", "search", "query"}

// ShouldSkipURL filters assets and boilerplate pages that never make good sources.
func ShouldSkipURL(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return true
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return true
	}
	for _, seg := range strings.Split(strings.ToLower(parsed.Path), "/") {
		if seg == "" {
			continue
		}
		ext := path.Ext(seg)
		if assetExtensions[ext] || seg == "robots.txt" {
			return true
		}
		if strings.Contains(seg, "sitemap") || strings.HasPrefix(seg, "favicon") {
			return true
		}
		if lowValueSegments[strings.TrimSuffix(seg, ext)] {
			return true
		}
	}
	q := parsed.Query()
	for _, p := range searchParams {
		if q.Has(p) {
			return true
		}
	}
	return false
}
