// Package tracking is the ingestion entry point: it validates and enriches
// events, records clicks, and runs conversions through attribution, fraud
// detection and payout calculation before persisting them.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/radiusdt/affiliate-attribution/internal/attribution"
	"github.com/radiusdt/affiliate-attribution/internal/cache"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/fraud"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNoAttribution    = errors.New("no attribution found")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// DuplicateEventID is reported for clicks suppressed by the dedup window.
const DuplicateEventID = "duplicate"

const publishTimeout = 5 * time.Second

// Sink receives persisted events. Sinks are best effort.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *models.TrackingEvent) error
}

// Stores groups the durable repositories the service writes to.
type Stores struct {
	Campaigns storage.CampaignRepo
	Clicks    storage.ClickStore
	Events    storage.EventStore
	Sessions  storage.SessionStore
}

// Result is the outcome of one tracked event.
type Result struct {
	EventID   string
	Type      models.EventType
	Status    models.EventStatus
	Message   string
	Duplicate bool

	AttributedAffiliateID string
	Validated             bool
	FraudFlags            []string
	RejectionReason       string
	Payout                float64
	PayoutCurrency        string
}

// Service orchestrates ingestion.
type Service struct {
	campaigns storage.CampaignRepo
	clicks    storage.ClickStore
	events    storage.EventStore
	sessions  storage.SessionStore

	cache    cache.Cache
	engine   *attribution.Engine
	detector *fraud.Detector
	geo      GeoLookup
	sinks    []Sink

	cfg      config.TrackingConfig
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time

	wg sync.WaitGroup
}

// NewService wires the ingestion pipeline. geoLookup and m may be nil.
func NewService(
	stores Stores,
	c cache.Cache,
	geoLookup GeoLookup,
	cfg config.TrackingConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
	sinks ...Sink,
) *Service {
	return &Service{
		campaigns: stores.Campaigns,
		clicks:    stores.Clicks,
		events:    stores.Events,
		sessions:  stores.Sessions,
		cache:     c,
		engine:    attribution.NewEngine(c, stores.Clicks, logger),
		detector:  fraud.NewDetector(c, logger),
		geo:       geoLookup,
		sinks:     sinks,
		cfg:       cfg,
		validate:  newValidator(),
		logger:    logger,
		metrics:   m,
		nowFn:     time.Now,
	}
}

// WithClock replaces the clock of the service and its engine and detector.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	s.engine.WithClock(now)
	s.detector.WithClock(now)
	return s
}

// Close waits for in-flight sink publishes.
func (s *Service) Close() {
	s.wg.Wait()
}

// Track processes one event.
func (s *Service) Track(ctx context.Context, req *EventRequest, meta RequestMeta) (*Result, error) {
	start := time.Now()
	res, err := s.track(ctx, req, meta)

	if s.metrics != nil {
		s.metrics.RecordEvent(string(req.Type), outcome(res, err), time.Since(start))
	}
	return res, err
}

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res.Duplicate:
		return "duplicate"
	case err == nil:
		return string(res.Status)
	case errors.Is(err, ErrNoAttribution):
		return "unattributed"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCampaignNotFound):
		return "invalid"
	}
	return "error"
}

func (s *Service) track(ctx context.Context, req *EventRequest, meta RequestMeta) (*Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	campaign, err := s.campaigns.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, req.CampaignID)
	}
	if campaign.OrganizationID != req.OrganizationID {
		return nil, fmt.Errorf("%w: campaign %s does not belong to organization %s", ErrValidation, campaign.ID, req.OrganizationID)
	}
	if !campaign.IsActive() {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrValidation, campaign.ID, campaign.Status)
	}

	if req.EventID != "" {
		stored, err := s.events.GetEvent(ctx, req.EventID)
		if err != nil {
			return nil, fmt.Errorf("load event: %w", err)
		}
		if stored != nil {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent()
			}
			return resultFromEvent(stored, "event already processed"), nil
		}
	}

	if req.Type == models.EventClick {
		return s.trackClick(ctx, req, campaign, meta)
	}
	return s.trackConversion(ctx, req, campaign, meta)
}

// =============================================
// CLICK PATH
// =============================================

func (s *Service) trackClick(ctx context.Context, req *EventRequest, campaign *models.Campaign, meta RequestMeta) (*Result, error) {
	now := s.nowFn()

	visitor := firstNonEmpty(req.VisitorID, req.SessionID)
	dup, err := s.cache.IsDuplicateClick(ctx, req.AffiliateID, campaign.ID, visitor, s.dedupWindow(campaign))
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		if s.metrics != nil {
			s.metrics.RecordDuplicateClick(campaign.ID)
		}
		s.logger.Debug("duplicate click ignored",
			zap.String("campaign_id", campaign.ID),
			zap.String("affiliate_id", req.AffiliateID),
			zap.String("visitor_id", visitor),
		)
		return &Result{
			EventID:   DuplicateEventID,
			Type:      models.EventClick,
			Message:   "duplicate click ignored",
			Duplicate: true,
		}, nil
	}

	evCtx := s.enrich(req.Context, meta)
	ev := s.newEvent(req, campaign, evCtx, now)
	// A click event and its click record share one id.
	ev.EventID = firstNonEmpty(req.EventID, req.ClickID, ev.EventID)
	ev.ClickID = ev.EventID

	click := &models.ClickData{
		ClickID:        ev.ClickID,
		Timestamp:      now.UnixMilli(),
		AffiliateID:    req.AffiliateID,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
		SessionID:      req.SessionID,
		VisitorID:      req.VisitorID,
		Context:        evCtx,
		ExpiresAt:      now.Add(s.conversionWindow(campaign)).UnixMilli(),
	}

	// The store is the source of truth; a cache miss falls back to it.
	if err := s.clicks.SaveClick(ctx, click); err != nil {
		if rerr := s.cache.ReleaseDuplicateClick(ctx, req.AffiliateID, campaign.ID, visitor); rerr != nil {
			s.logger.Warn("failed to release dedup marker",
				zap.String("click_id", click.ClickID),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("save click: %w", err)
	}
	if err := s.cache.StoreClick(ctx, click); err != nil {
		s.logger.Warn("failed to cache click",
			zap.String("click_id", click.ClickID),
			zap.Error(err),
		)
	}

	ev.SetStatus(models.StatusValidated)
	if _, err := s.events.SaveEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}

	s.touchSession(ctx, nil, ev, click.ClickID, now)
	s.publish(ev)

	s.logger.Info("click recorded",
		zap.String("click_id", click.ClickID),
		zap.String("campaign_id", campaign.ID),
		zap.String("affiliate_id", click.AffiliateID),
	)
	return resultFromEvent(ev, "click recorded"), nil
}

// =============================================
// CONVERSION PATH
// =============================================

func (s *Service) trackConversion(ctx context.Context, req *EventRequest, campaign *models.Campaign, meta RequestMeta) (*Result, error) {
	now := s.nowFn()
	ev := s.newEvent(req, campaign, s.enrich(req.Context, meta), now)

	attr, err := s.engine.AttributeConversion(ctx, attribution.Request{
		VisitorID: req.VisitorID,
		SessionID: req.SessionID,
		ClickID:   req.ClickID,
		Model:     campaign.Model(),
		Window:    s.conversionWindow(campaign),
	})
	if err != nil {
		return nil, fmt.Errorf("attribute conversion: %w", err)
	}
	if attr == nil {
		if s.metrics != nil {
			s.metrics.RecordAttributionMiss(campaign.ID)
		}
		return nil, ErrNoAttribution
	}

	ev.Attribution = attr
	if ev.AffiliateID == "" {
		ev.AffiliateID = attr.AttributedAffiliateID
	}

	click, err := s.creditedClick(ctx, attr)
	if err != nil {
		return nil, err
	}
	if click != nil && ev.ClickID == "" {
		ev.ClickID = click.ClickID
	}

	var session *models.SessionTracking
	if req.SessionID != "" {
		session, err = s.sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	verdict, err := s.detector.CheckEvent(ctx, fraud.Input{
		Event:   ev,
		Config:  campaign.Fraud,
		Click:   click,
		Session: session,
	})
	if err != nil {
		return nil, err
	}

	var claimed []string
	if verdict.Passed {
		var flags []string
		claimed, flags, err = s.claimIdentities(ctx, ev, campaign)
		if err != nil {
			return nil, err
		}
		if len(flags) > 0 {
			verdict = fraud.Verdict(append(verdict.Flags, flags...))
			s.releaseIdentities(ctx, ev, claimed)
			claimed = nil
		}
	}

	ev.FraudFlags = verdict.Flags
	if verdict.Passed {
		ev.SetStatus(models.StatusValidated)
		ev.Payout = campaign.PayoutFor(ev.Type, ev.Amount)
		if ev.Payout > 0 {
			ev.PayoutStatus = models.PayoutPending
		}
	} else {
		ev.RejectionReason = verdict.RejectionReason
		ev.SetStatus(models.StatusFraud)
	}

	inserted, err := s.events.SaveEvent(ctx, ev)
	if err != nil {
		s.releaseIdentities(ctx, ev, claimed)
		return nil, fmt.Errorf("save event: %w", err)
	}
	if !inserted {
		// Lost a race against a request with the same event id.
		s.releaseIdentities(ctx, ev, claimed)
		stored, err := s.events.GetEvent(ctx, ev.EventID)
		if err != nil {
			return nil, fmt.Errorf("load event: %w", err)
		}
		if stored != nil {
			return resultFromEvent(stored, "event already processed"), nil
		}
	}

	if ev.Status == models.StatusValidated {
		if err := s.engine.MarkConverted(ctx, attr.CreditedClickIDs(), ev.EventID, string(ev.Type)); err != nil {
			s.logger.Warn("failed to mark clicks converted",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
		}
	}

	s.touchSession(ctx, session, ev, "", now)
	s.publish(ev)

	if s.metrics != nil {
		s.metrics.RecordAttribution(campaign.ID, string(attr.Model), len(attr.Touchpoints))
		s.metrics.RecordFraudCheck(campaign.ID, verdict.Passed, verdict.Flags)
		s.metrics.RecordPayout(campaign.ID, ev.PayoutCurrency, ev.Payout)
	}

	s.logger.Info("conversion recorded",
		zap.String("event_id", ev.EventID),
		zap.String("type", string(ev.Type)),
		zap.String("campaign_id", campaign.ID),
		zap.String("affiliate_id", attr.AttributedAffiliateID),
		zap.String("status", string(ev.Status)),
		zap.Strings("fraud_flags", ev.FraudFlags),
		zap.Float64("payout", ev.Payout),
	)
	return resultFromEvent(ev, ""), nil
}

// creditedClick loads the click behind the primary touchpoint, nil when it
// is gone from both cache and store.
func (s *Service) creditedClick(ctx context.Context, attr *models.AttributionData) (*models.ClickData, error) {
	tp := attr.PrimaryTouchpoint()
	if tp == nil {
		return nil, nil
	}
	click, err := s.cache.GetClick(ctx, tp.ClickID)
	if err != nil {
		return nil, fmt.Errorf("load click: %w", err)
	}
	if click != nil {
		return click, nil
	}
	click, err = s.clicks.GetClick(ctx, tp.ClickID)
	if err != nil {
		return nil, fmt.Errorf("load click: %w", err)
	}
	return click, nil
}

// claimIdentities takes the per-campaign email and phone markers for a
// conversion that passed fraud checks. The claim is atomic, so of two
// concurrent conversions with one identity only one keeps it. A lost claim is
// returned as a flag when the campaign blocks duplicate identities.
func (s *Service) claimIdentities(ctx context.Context, ev *models.TrackingEvent, campaign *models.Campaign) ([]string, []string, error) {
	var claimed, flags []string
	for _, id := range []struct{ identity, flag string }{
		{fraud.EmailIdentity(ev.Email), models.FlagDuplicateEmail},
		{fraud.PhoneIdentity(ev.Phone), models.FlagDuplicatePhone},
	} {
		if id.identity == "" {
			continue
		}
		ok, err := s.cache.ClaimUser(ctx, ev.CampaignID, id.identity)
		if err != nil {
			s.releaseIdentities(ctx, ev, claimed)
			return nil, nil, fmt.Errorf("claim identity: %w", err)
		}
		if ok {
			claimed = append(claimed, id.identity)
		} else if campaign.Fraud.DuplicateEmailPhoneBlock.Enabled {
			flags = append(flags, id.flag)
		}
	}
	return claimed, flags, nil
}

func (s *Service) releaseIdentities(ctx context.Context, ev *models.TrackingEvent, identities []string) {
	for _, id := range identities {
		if err := s.cache.ReleaseUser(ctx, ev.CampaignID, id); err != nil {
			s.logger.Warn("failed to release identity marker",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
		}
	}
}

// =============================================
// HELPERS
// =============================================

func (s *Service) newEvent(req *EventRequest, campaign *models.Campaign, evCtx models.EventContext, now time.Time) *models.TrackingEvent {
	id := req.EventID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.TrackingEvent{
		EventID:         id,
		Type:            req.Type,
		OrganizationID:  campaign.OrganizationID,
		CampaignID:      campaign.ID,
		AffiliateID:     req.AffiliateID,
		SessionID:       req.SessionID,
		VisitorID:       req.VisitorID,
		ClickID:         req.ClickID,
		Email:           req.Email,
		Phone:           req.Phone,
		UserID:          req.UserID,
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		Currency:        strings.ToUpper(req.Currency),
		CustomEventName: req.CustomEventName,
		Metadata:        req.Metadata,
		Context:         evCtx,
		Status:          models.StatusPending,
		PayoutCurrency:  campaign.PayoutCurrency,
		PayoutStatus:    models.PayoutNone,
		Timestamp:       now,
		CreatedAt:       now,
	}
}

// touchSession applies ev to its session. Failures are logged only.
func (s *Service) touchSession(ctx context.Context, sess *models.SessionTracking, ev *models.TrackingEvent, clickID string, now time.Time) {
	if ev.SessionID == "" {
		return
	}
	if sess == nil {
		loaded, err := s.sessions.GetSession(ctx, ev.SessionID)
		if err != nil {
			s.logger.Warn("failed to load session", zap.String("session_id", ev.SessionID), zap.Error(err))
			return
		}
		sess = loaded
	}
	if sess == nil {
		sess = &models.SessionTracking{
			SessionID:      ev.SessionID,
			VisitorID:      ev.VisitorID,
			OrganizationID: ev.OrganizationID,
		}
	}

	sess.Touch(ev, clickID, now, s.cfg.SessionInactivity)
	if err := s.sessions.UpsertSession(ctx, sess); err != nil {
		s.logger.Warn("failed to update session", zap.String("session_id", ev.SessionID), zap.Error(err))
	}
}

// publish hands ev to every sink in the background.
func (s *Service) publish(ev *models.TrackingEvent) {
	for _, sink := range s.sinks {
		sink := sink
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()

			if err := sink.Publish(ctx, ev); err != nil {
				s.logger.Warn("failed to publish event",
					zap.String("sink", sink.Name()),
					zap.String("event_id", ev.EventID),
					zap.Error(err),
				)
				if s.metrics != nil {
					s.metrics.RecordSinkError(sink.Name())
				}
			}
		}()
	}
}

func (s *Service) conversionWindow(c *models.Campaign) time.Duration {
	if c.ConversionWindowSeconds > 0 {
		return time.Duration(c.ConversionWindowSeconds) * time.Second
	}
	return s.cfg.DefaultConversionWindow
}

func (s *Service) dedupWindow(c *models.Campaign) time.Duration {
	if c.DedupWindowSeconds > 0 {
		return time.Duration(c.DedupWindowSeconds) * time.Second
	}
	return s.cfg.DefaultDedupWindow
}

func resultFromEvent(ev *models.TrackingEvent, message string) *Result {
	return &Result{
		EventID:               ev.EventID,
		Type:                  ev.Type,
		Status:                ev.Status,
		Message:               message,
		AttributedAffiliateID: ev.AttributedAffiliateID(),
		Validated:             ev.Status == models.StatusValidated,
		FraudFlags:            ev.FraudFlags,
		RejectionReason:       ev.RejectionReason,
		Payout:                ev.Payout,
		PayoutCurrency:        ev.PayoutCurrency,
	}
}
