package browser

import (
	"context"
	"net/url"
	"strings"
)

// ChallengeDetector recognises CAPTCHA and verification walls by URL path
// fragments and by page selectors. The query string is ignored so that a
// search for "captcha" is not mistaken for one.
type ChallengeDetector struct {
	URLPatterns []string
	Selectors   []string
}

// Check returns a *ChallengeError when the page shows a challenge. Lookup
// failures are treated as "no challenge".
func (d ChallengeDetector) Check(ctx context.Context, page Page) error {
	if raw, err := page.URL(ctx); err == nil {
		if marker, ok := d.matchURL(raw); ok {
			return &ChallengeError{URL: raw, Marker: "url:" + marker}
		}
	}
	for _, css := range d.Selectors {
		els, err := page.Elements(ctx, css)
		if err != nil || len(els) == 0 {
			continue
		}
		raw, _ := page.URL(ctx)
		return &ChallengeError{URL: raw, Marker: "selector:" + css}
	}
	return nil
}

func (d ChallengeDetector) matchURL(raw string) (string, bool) {
	target := raw
	if u, err := url.Parse(raw); err == nil {
		target = u.Host + u.Path
	}
	target = strings.ToLower(target)
	for _, p := range d.URLPatterns {
		if p != "" && strings.Contains(target, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
