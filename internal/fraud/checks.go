package fraud

import (
	"context"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

func (d *Detector) checkConversionDelay(_ context.Context, in Input) ([]string, error) {
	if in.Click == nil {
		return nil, nil
	}
	minDelay := time.Duration(in.Config.ConversionDelay.MinSeconds) * time.Second
	if minDelay <= 0 {
		minDelay = DefaultMinConversionDelay
	}
	if d.nowFn().Sub(in.Click.Time()) < minDelay {
		return []string{models.FlagConversionTooFast}, nil
	}
	return nil, nil
}

func (d *Detector) checkIPRestriction(ctx context.Context, in Input) ([]string, error) {
	ip := in.Event.Context.IP
	if ip == "" {
		return nil, nil
	}

	window := ipWindowPerConversion
	if in.Config.IPRestriction.Mode == models.IPRestrictionUniquePerDay {
		window = ipWindowPerDay
	}

	exceeded, err := d.cache.CheckIPRateLimit(ctx, ip, creditedAffiliate(in.Event), window, 1)
	if err != nil {
		return nil, err
	}
	if exceeded {
		return []string{models.FlagIPRestriction}, nil
	}
	return nil, nil
}

func (d *Detector) checkDeviceFingerprint(ctx context.Context, in Input) ([]string, error) {
	fp := in.Event.Context.DeviceFingerprint
	if fp == "" {
		return nil, nil
	}

	exceeded, err := d.cache.CheckFingerprintRate(ctx, fp, in.Event.CampaignID, in.Event.Type, FingerprintWindow, FingerprintLimit)
	if err != nil {
		return nil, err
	}
	if exceeded {
		return []string{models.FlagDeviceFingerprintAbuse}, nil
	}
	return nil, nil
}

func (d *Detector) checkDuplicateIdentity(ctx context.Context, in Input) ([]string, error) {
	var flags []string

	if id := EmailIdentity(in.Event.Email); id != "" {
		dup, err := d.cache.CheckDuplicateUser(ctx, in.Event.CampaignID, id)
		if err != nil {
			return nil, err
		}
		if dup {
			flags = append(flags, models.FlagDuplicateEmail)
		}
	}
	if id := PhoneIdentity(in.Event.Phone); id != "" {
		dup, err := d.cache.CheckDuplicateUser(ctx, in.Event.CampaignID, id)
		if err != nil {
			return nil, err
		}
		if dup {
			flags = append(flags, models.FlagDuplicatePhone)
		}
	}
	return flags, nil
}

func checkGeo(_ context.Context, in Input) ([]string, error) {
	country := strings.ToUpper(strings.TrimSpace(in.Event.Context.Geo.Country))
	rule := in.Config.Geo

	if country != "" && containsFold(rule.Deny, country) {
		return []string{models.FlagGeoBlacklisted + ":" + country}, nil
	}
	if len(rule.Allow) > 0 && !containsFold(rule.Allow, country) {
		if country == "" {
			country = "unknown"
		}
		return []string{models.FlagGeoNotWhitelisted + ":" + country}, nil
	}
	return nil, nil
}

func checkOrderValue(_ context.Context, in Input) ([]string, error) {
	if in.Event.Type != models.EventPurchase {
		return nil, nil
	}
	rule := in.Config.OrderValue
	amount := in.Event.Amount

	if rule.Min > 0 && amount < rule.Min {
		return []string{models.FlagOrderValueTooLow}, nil
	}
	if rule.Max > 0 && amount > rule.Max {
		return []string{models.FlagOrderValueTooHigh}, nil
	}
	return nil, nil
}

// checkEngagement treats a missing session as zero engagement.
func checkEngagement(_ context.Context, in Input) ([]string, error) {
	rule := in.Config.Engagement

	var (
		timeOnSite time.Duration
		pageViews  int
	)
	if in.Session != nil {
		timeOnSite = in.Session.TimeOnSite()
		pageViews = in.Session.PageViews
	}

	var flags []string
	if rule.MinTimeOnSiteSeconds > 0 && timeOnSite < time.Duration(rule.MinTimeOnSiteSeconds)*time.Second {
		flags = append(flags, models.FlagLowTimeOnSite)
	}
	if rule.MinPageViews > 0 && pageViews < rule.MinPageViews {
		flags = append(flags, models.FlagLowPageViews)
	}
	return flags, nil
}

func (d *Detector) checkVelocity(ctx context.Context, in Input) ([]string, error) {
	limit := in.Config.Velocity.MaxPerHour
	if limit <= 0 {
		limit = DefaultMaxConversionsPerHour
	}

	exceeded, err := d.cache.CheckConversionVelocity(ctx, creditedAffiliate(in.Event), velocityWindow, limit)
	if err != nil {
		return nil, err
	}
	if exceeded {
		return []string{models.FlagVelocitySpike}, nil
	}
	return nil, nil
}

func checkProxy(_ context.Context, in Input) ([]string, error) {
	if IsReservedIP(in.Event.Context.IP) {
		return []string{models.FlagProxyDetected}, nil
	}
	return nil, nil
}

// checkCookieTampering compares the conversion against what the click saw.
func checkCookieTampering(_ context.Context, in Input) ([]string, error) {
	if in.Click == nil {
		return []string{models.FlagCookieMissingClick}, nil
	}

	var flags []string
	was, now := in.Click.Context, in.Event.Context
	if was.DeviceFingerprint != "" && now.DeviceFingerprint != "" && was.DeviceFingerprint != now.DeviceFingerprint {
		flags = append(flags, models.FlagCookieFingerprint)
	}
	if was.UserAgent != "" && now.UserAgent != "" && was.UserAgent != now.UserAgent {
		flags = append(flags, models.FlagCookieUserAgent)
	}
	return flags, nil
}

// cgnat is the shared address space of RFC 6598.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// IsReservedIP reports whether ip is private, loopback, link-local,
// unspecified or carrier-grade NAT. Unparseable input is not reserved.
func IsReservedIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

// EmailIdentity normalizes an email for duplicate-identity markers.
func EmailIdentity(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	return "email:" + email
}

// PhoneIdentity keeps only digits and a leading plus.
func PhoneIdentity(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if unicode.IsDigit(r) || (i == 0 && r == '+') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "phone:" + b.String()
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
