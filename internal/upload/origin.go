package upload

import (
	"net/url"
	"strings"
)

// OriginAllowed reports whether origin's hostname equals, or is a subdomain of,
// one of domains. An empty domain list accepts any origin.
func OriginAllowed(origin string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	host := hostname(origin)
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = hostname(d)
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostname accepts a full origin ("https://shop.example.com:8443"), a bare host
// or a domain pattern ("*.example.com") and returns the lowercase hostname
// without a leading "www." or "*.".
func hostname(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "null" {
		return ""
	}
	raw = strings.Replace(raw, "*.", "", 1)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	h := strings.TrimPrefix(u.Hostname(), "www.")
	return strings.TrimSuffix(h, ".")
}
