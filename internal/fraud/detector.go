// Package fraud runs the per-campaign fraud rules against a conversion.
package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/cache"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults for rules that leave their threshold unset.
const (
	DefaultMinConversionDelay    = 5 * time.Second
	DefaultMaxConversionsPerHour = 100
	FingerprintLimit             = 5
	FingerprintWindow            = 24 * time.Hour

	velocityWindow        = time.Hour
	ipWindowPerDay        = 24 * time.Hour
	ipWindowPerConversion = 365 * 24 * time.Hour
)

// criticalPrefixes block payout. Flags may carry a ":detail" suffix, so a
// flag is critical when it starts with one of these.
var criticalPrefixes = []string{
	models.FlagIPRestriction,
	models.FlagDuplicateEmail,
	models.FlagDuplicatePhone,
	models.FlagGeoBlacklisted,
	"cookie_tampering",
}

// IsCritical reports whether a flag blocks payout.
func IsCritical(flag string) bool {
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(flag, p) {
			return true
		}
	}
	return false
}

// Input is one conversion to check.
type Input struct {
	Event  *models.TrackingEvent
	Config models.FraudConfig
	// Click is the credited click, nil when it could not be found.
	Click *models.ClickData
	// Session is the conversion's session, nil when unknown.
	Session *models.SessionTracking
}

// Detector evaluates fraud rules. Counter and marker checks go through the
// attribution cache.
type Detector struct {
	cache  cache.Cache
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewDetector creates a fraud detector.
func NewDetector(c cache.Cache, logger *zap.Logger) *Detector {
	return &Detector{cache: c, logger: logger, nowFn: time.Now}
}

// WithClock replaces the detector clock.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.nowFn = now
	return d
}

type check func(ctx context.Context, in Input) ([]string, error)

// CheckEvent runs every enabled rule. Rules are independent and run
// concurrently; flags are reported in rule order. Any cache error fails the
// whole check so a conversion is never waved through unchecked.
func (d *Detector) CheckEvent(ctx context.Context, in Input) (*models.FraudCheckResult, error) {
	if in.Event == nil {
		return nil, fmt.Errorf("fraud check: nil event")
	}

	cfg := in.Config
	rules := []struct {
		enabled bool
		run     check
	}{
		{cfg.ConversionDelay.Enabled, d.checkConversionDelay},
		{cfg.IPRestriction.Enabled, d.checkIPRestriction},
		{cfg.DeviceFingerprint.Enabled, d.checkDeviceFingerprint},
		{cfg.DuplicateEmailPhoneBlock.Enabled, d.checkDuplicateIdentity},
		{cfg.Geo.Enabled, checkGeo},
		{cfg.OrderValue.Enabled, checkOrderValue},
		{cfg.Engagement.Enabled, checkEngagement},
		{cfg.Velocity.Enabled, d.checkVelocity},
		{cfg.ProxyDetection.Enabled, checkProxy},
		{cfg.CookieTampering.Enabled, checkCookieTampering},
	}

	results := make([][]string, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rules {
		if !r.enabled {
			continue
		}
		i, run := i, r.run
		g.Go(func() error {
			flags, err := run(gctx, in)
			if err != nil {
				return err
			}
			results[i] = flags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fraud check: %w", err)
	}

	var flags []string
	for _, f := range results {
		flags = append(flags, f...)
	}
	return Verdict(flags), nil
}

// Verdict builds the result for a set of flags.
func Verdict(flags []string) *models.FraudCheckResult {
	flags = uniqStrings(flags)
	res := &models.FraudCheckResult{Passed: true, Flags: flags}
	for _, f := range flags {
		if IsCritical(f) {
			res.Passed = false
			res.RejectionReason = flags[0]
			break
		}
	}
	return res
}

func uniqStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// creditedAffiliate is the affiliate rate limits are counted against.
func creditedAffiliate(ev *models.TrackingEvent) string {
	if id := ev.AttributedAffiliateID(); id != "" {
		return id
	}
	return ev.AffiliateID
}
