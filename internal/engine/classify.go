package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"orderdash/internal/config"
)

// Class selects the caching strategy for a request.
type Class int

const (
	ClassDefault Class = iota
	ClassStatic
	ClassAPI
	ClassNavigation
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	default:
		return "default"
	}
}

func parseClass(s string) Class {
	switch s {
	case "static":
		return ClassStatic
	case "api":
		return ClassAPI
	case "navigation":
		return ClassNavigation
	default:
		return ClassDefault
	}
}

var staticExt = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true, ".webp": true,
	".woff": true, ".woff2": true, ".ttf": true,
}

var staticDest = map[string]bool{"script": true, "style": true, "image": true, "font": true}

// Classifier maps requests to exactly one Class. It depends only on the
// request method, path and headers, so the same request always gets the same class.
type Classifier struct {
	rules []config.Rule
}

// NewClassifier expects rules already compiled and sorted by config.Finalize.
func NewClassifier(rules []config.Rule) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(r *http.Request) Class {
	p := r.URL.Path
	for i := range c.rules {
		if c.rules[i].Matches(p) {
			return parseClass(c.rules[i].Class)
		}
	}
	if strings.HasPrefix(p, "/api/") || p == "/api" {
		return ClassAPI
	}
	if r.Method == http.MethodGet && isNavigation(r) {
		return ClassNavigation
	}
	if staticExt[strings.ToLower(path.Ext(p))] || staticDest[r.Header.Get("Sec-Fetch-Dest")] {
		return ClassStatic
	}
	return ClassDefault
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// CanonicalKey identifies a resource by path plus sorted query.
func CanonicalKey(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery == "" {
		return p
	}
	q := u.Query()
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

// ParseResource turns a resource locator ("/orders?x=1" or an absolute URL)
// into its canonical key. Relative locators are rejected: every stored key
// starts with "/".
func ParseResource(resource string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(resource))
	if err != nil {
		return "", err
	}
	if u.Host == "" && !strings.HasPrefix(u.Path, "/") {
		return "", fmt.Errorf("resource %q must be an absolute path or URL", resource)
	}
	return CanonicalKey(u), nil
}
