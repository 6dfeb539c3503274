package tracker

import (
	"net"
	"net/http"
	"strings"

	"github.com/radiusdt/affiliate-attribution/internal/middleware"
)

// FingerprintHeader carries a device fingerprint computed in the browser.
const FingerprintHeader = "X-Device-Fingerprint"

// ContextCollector builds an event Context from an incoming request.
type ContextCollector struct {
	// TrustProxy honours X-Forwarded-* headers for the client IP and scheme.
	TrustProxy bool
}

// Collect snapshots URL, referrer, user agent, IP, language, UTM parameters
// and fingerprint.
func (c ContextCollector) Collect(r *http.Request) Context {
	q := r.URL.Query()
	return Context{
		URL:               c.pageURL(r),
		Referrer:          r.Referer(),
		UserAgent:         r.UserAgent(),
		IP:                c.clientIP(r),
		DeviceFingerprint: r.Header.Get(FingerprintHeader),
		Language:          primaryLanguage(r.Header.Get("Accept-Language")),
		UTM: UTM{
			Source:   q.Get("utm_source"),
			Medium:   q.Get("utm_medium"),
			Campaign: q.Get("utm_campaign"),
			Term:     q.Get("utm_term"),
			Content:  q.Get("utm_content"),
		},
	}
}

func (c ContextCollector) pageURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if c.TrustProxy {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (c ContextCollector) clientIP(r *http.Request) string {
	if c.TrustProxy {
		return middleware.ClientIP(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func primaryLanguage(header string) string {
	lang, _, _ := strings.Cut(header, ",")
	lang, _, _ = strings.Cut(lang, ";")
	return strings.TrimSpace(lang)
}
