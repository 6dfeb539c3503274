// Package attribution maps a conversion to the affiliate clicks that earn
// credit for it.
package attribution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/cache"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"go.uber.org/zap"
)

// Request identifies the conversion to attribute.
type Request struct {
	VisitorID string
	SessionID string
	// ClickID restricts attribution to one click when set.
	ClickID string
	Model   models.AttributionModel
	Window  time.Duration
}

// Engine retrieves touchpoints from the cache, falling back to the click
// store, and weights them by attribution model.
type Engine struct {
	cache  cache.Cache
	clicks storage.ClickStore
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewEngine creates an attribution engine.
func NewEngine(c cache.Cache, clicks storage.ClickStore, logger *zap.Logger) *Engine {
	return &Engine{
		cache:  c,
		clicks: clicks,
		logger: logger,
		nowFn:  time.Now,
	}
}

// WithClock replaces the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.nowFn = now
	return e
}

// AttributeConversion returns nil, nil when no eligible touchpoint exists.
// A click is eligible while unconverted and no older than the window; the
// window start itself is included.
func (e *Engine) AttributeConversion(ctx context.Context, req Request) (*models.AttributionData, error) {
	model := req.Model
	if model == "" {
		model = models.ModelLastClick
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	cutoff := e.nowFn().Add(-req.Window).UnixMilli()

	clicks, err := e.touchpoints(ctx, req, cutoff)
	if err != nil {
		return nil, err
	}
	if len(clicks) == 0 {
		return nil, nil
	}

	tps := make([]models.Touchpoint, len(clicks))
	for i, c := range clicks {
		tps[i] = c.Touchpoint()
	}
	sortTouchpoints(tps)
	applyWeights(tps, model)

	primary := primaryIndex(tps)
	return &models.AttributionData{
		Model:                   model,
		Touchpoints:             tps,
		AttributedAffiliateID:   tps[primary].AffiliateID,
		AttributionWeight:       tps[primary].Weight,
		ConversionWindowSeconds: int64(req.Window / time.Second),
	}, nil
}

func (e *Engine) touchpoints(ctx context.Context, req Request, cutoff int64) ([]*models.ClickData, error) {
	if req.ClickID != "" {
		click, err := e.cache.GetClick(ctx, req.ClickID)
		if err != nil {
			return nil, fmt.Errorf("attribution: %w", err)
		}
		if click == nil {
			click, err = e.clicks.GetClick(ctx, req.ClickID)
			if err != nil {
				return nil, fmt.Errorf("attribution: %w", err)
			}
		}
		if click == nil || !eligible(click, cutoff) {
			return nil, nil
		}
		return []*models.ClickData{click}, nil
	}

	var cached []*models.ClickData
	if req.VisitorID != "" {
		vc, err := e.cache.GetVisitorClicks(ctx, req.VisitorID)
		if err != nil {
			return nil, fmt.Errorf("attribution: %w", err)
		}
		cached = append(cached, vc...)
	}
	if req.SessionID != "" {
		sc, err := e.cache.GetSessionClicks(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("attribution: %w", err)
		}
		cached = append(cached, sc...)
	}

	if clicks := filterClicks(cached, cutoff); len(clicks) > 0 {
		return clicks, nil
	}

	if req.VisitorID == "" && req.SessionID == "" {
		return nil, nil
	}

	stored, err := e.clicks.FindClicks(ctx, req.VisitorID, req.SessionID, time.UnixMilli(cutoff))
	if err != nil {
		return nil, fmt.Errorf("attribution: %w", err)
	}
	clicks := filterClicks(stored, cutoff)
	if len(clicks) > 0 {
		e.logger.Debug("attribution served from click store",
			zap.String("visitor_id", req.VisitorID),
			zap.String("session_id", req.SessionID),
			zap.Int("touchpoints", len(clicks)),
		)
	}
	return clicks, nil
}

func eligible(c *models.ClickData, cutoff int64) bool {
	return !c.Converted && c.Timestamp >= cutoff
}

// filterClicks drops duplicates and ineligible clicks.
func filterClicks(clicks []*models.ClickData, cutoff int64) []*models.ClickData {
	seen := make(map[string]struct{}, len(clicks))
	out := make([]*models.ClickData, 0, len(clicks))
	for _, c := range clicks {
		if _, ok := seen[c.ClickID]; ok {
			continue
		}
		seen[c.ClickID] = struct{}{}
		if eligible(c, cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func sortTouchpoints(tps []models.Touchpoint) {
	sort.SliceStable(tps, func(i, j int) bool {
		if tps[i].Timestamp != tps[j].Timestamp {
			return tps[i].Timestamp < tps[j].Timestamp
		}
		return tps[i].ClickID < tps[j].ClickID
	})
}

// applyWeights expects tps sorted oldest first.
func applyWeights(tps []models.Touchpoint, model models.AttributionModel) {
	for i := range tps {
		tps[i].Weight = 0
	}

	switch model {
	case models.ModelFirstClick:
		tps[0].Weight = 1
	case models.ModelLinear:
		// Each distinct affiliate gets 1/N, carried by its latest touchpoint.
		latest := make(map[string]int)
		for i, tp := range tps {
			latest[tp.AffiliateID] = i
		}
		w := 1 / float64(len(latest))
		for _, i := range latest {
			tps[i].Weight = w
		}
	default:
		tps[len(tps)-1].Weight = 1
	}
}

// primaryIndex returns the highest weighted touchpoint, preferring the most
// recent on ties.
func primaryIndex(tps []models.Touchpoint) int {
	best := 0
	for i := 1; i < len(tps); i++ {
		if tps[i].Weight >= tps[best].Weight {
			best = i
		}
	}
	return best
}

// MarkConverted marks each click converted in the cache and the click store.
// Clicks already converted are left untouched.
func (e *Engine) MarkConverted(ctx context.Context, clickIDs []string, conversionID, conversionType string) error {
	now := e.nowFn()
	for _, id := range clickIDs {
		if _, err := e.cache.MarkClickConverted(ctx, id, conversionID, conversionType); err != nil {
			return fmt.Errorf("mark converted: %w", err)
		}
		if _, err := e.clicks.MarkClickConverted(ctx, id, conversionID, conversionType, now); err != nil {
			return fmt.Errorf("mark converted: %w", err)
		}
	}
	return nil
}
