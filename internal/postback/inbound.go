// Package postback bridges server-to-server conversion traffic: merchants
// report conversions against a click id, and affiliates are notified of
// validated conversions on their own postback URLs.
package postback

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/radiusdt/affiliate-attribution/internal/tracking"
	"go.uber.org/zap"
)

// Tracker is the ingestion entry point postbacks are replayed through.
type Tracker interface {
	Track(ctx context.Context, req *tracking.EventRequest, meta tracking.RequestMeta) (*tracking.Result, error)
}

// Handler turns merchant S2S postbacks into conversion events.
//
// Expected query: click_id (required), event, amount or revenue, currency,
// order_id, transaction_id, email, user_id, and any sub* or aff_* params,
// which are kept as metadata.
type Handler struct {
	clicks  storage.ClickStore
	tracker Tracker
	logger  *zap.Logger
}

func NewHandler(clicks storage.ClickStore, tracker Tracker, logger *zap.Logger) *Handler {
	return &Handler{clicks: clicks, tracker: tracker, logger: logger}
}

// Handle records the conversion described by q. The transaction id, when
// present, becomes the event id so repeated postbacks are idempotent.
func (h *Handler) Handle(ctx context.Context, q url.Values) (*tracking.Result, error) {
	clickID := q.Get("click_id")
	if clickID == "" {
		return nil, fmt.Errorf("%w: click_id is required", tracking.ErrValidation)
	}

	click, err := h.clicks.GetClick(ctx, clickID)
	if err != nil {
		return nil, fmt.Errorf("load click: %w", err)
	}
	if click == nil {
		h.logger.Warn("postback for unknown click", zap.String("click_id", clickID))
		return nil, fmt.Errorf("%w: click %s not found", tracking.ErrValidation, clickID)
	}

	amount, err := parseAmount(firstParam(q, "amount", "revenue"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracking.ErrValidation, err)
	}

	eventType, customName := mapEvent(q.Get("event"))
	req := &tracking.EventRequest{
		EventID:         firstParam(q, "transaction_id", "event_id"),
		Type:            eventType,
		OrganizationID:  click.OrganizationID,
		CampaignID:      click.CampaignID,
		SessionID:       click.SessionID,
		VisitorID:       click.VisitorID,
		ClickID:         click.ClickID,
		Email:           q.Get("email"),
		UserID:          q.Get("user_id"),
		OrderID:         firstParam(q, "order_id", "transaction_id"),
		Amount:          amount,
		Currency:        q.Get("currency"),
		CustomEventName: customName,
		Metadata:        subParams(q),
		// The postback comes from the merchant backend; the visitor's own
		// context is the one captured at click time.
		Context: tracking.ContextRequest{
			UserAgent:         click.Context.UserAgent,
			IP:                click.Context.IP,
			DeviceFingerprint: click.Context.DeviceFingerprint,
			Language:          click.Context.Language,
			Country:           click.Context.Geo.Country,
		},
	}

	res, err := h.tracker.Track(ctx, req, tracking.RequestMeta{})
	if err != nil {
		return nil, err
	}
	h.logger.Info("postback processed",
		zap.String("click_id", clickID),
		zap.String("event_id", res.EventID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

// mapEvent normalises network event names. Unknown names become custom
// events; an empty name is a purchase.
func mapEvent(name string) (models.EventType, string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "purchase", "sale", "order", "af_purchase", "first_purchase":
		return models.EventPurchase, ""
	case "signup", "lead", "registration", "register", "af_complete_registration":
		return models.EventSignup, ""
	case "visit", "session":
		return models.EventVisit, ""
	default:
		return models.EventCustom, name
	}
}

func parseAmount(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("amount %q is not a number", v)
	}
	return f, nil
}

func firstParam(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func subParams(q url.Values) map[string]string {
	var params map[string]string
	for key, values := range q {
		if !strings.HasPrefix(key, "sub") && !strings.HasPrefix(key, "aff_") {
			continue
		}
		if len(values) == 0 {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[key] = values[0]
	}
	return params
}
