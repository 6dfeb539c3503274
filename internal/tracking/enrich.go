package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/radiusdt/affiliate-attribution/internal/geo"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// RequestMeta is what the transport observed about the caller.
type RequestMeta struct {
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
}

// GeoLookup resolves an IP to a location, nil when unknown.
type GeoLookup interface {
	Lookup(ip string) *models.GeoInfo
}

// enrich builds the stored context. Client-supplied values win over what the
// transport saw, since events are often relayed by a merchant backend.
func (s *Service) enrich(in ContextRequest, meta RequestMeta) models.EventContext {
	ctx := models.EventContext{
		URL:               in.URL,
		Referrer:          in.Referrer,
		UserAgent:         firstNonEmpty(in.UserAgent, meta.UserAgent),
		IP:                firstNonEmpty(in.IP, meta.ClientIP),
		DeviceFingerprint: in.DeviceFingerprint,
		Language:          firstNonEmpty(in.Language, primaryLanguage(meta.AcceptLanguage)),
		UTM: models.UTMParams{
			Source:   in.UTM.Source,
			Medium:   in.UTM.Medium,
			Campaign: in.UTM.Campaign,
			Term:     in.UTM.Term,
			Content:  in.UTM.Content,
		},
		Extra: in.Extra,
	}

	ctx.Device = geo.ParseUserAgent(ctx.UserAgent)

	if in.Country != "" {
		ctx.Geo.Country = strings.ToUpper(in.Country)
	} else if s.geo != nil && ctx.IP != "" {
		if info := s.geo.Lookup(ctx.IP); info != nil {
			ctx.Geo = *info
		}
	}

	if ctx.DeviceFingerprint == "" {
		ctx.DeviceFingerprint = fallbackFingerprint(ctx.UserAgent, ctx.Language)
	}
	return ctx
}

// fallbackFingerprint hashes the stable parts of the client context. The IP
// is left out so a network change alone never looks like tampering.
func fallbackFingerprint(userAgent, language string) string {
	if userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent + "|" + language))
	return "fb_" + hex.EncodeToString(sum[:16])
}

// primaryLanguage returns the first tag of an Accept-Language header.
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	tag := strings.SplitN(header, ",", 2)[0]
	tag = strings.SplitN(tag, ";", 2)[0]
	return strings.TrimSpace(tag)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
