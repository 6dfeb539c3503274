package postback

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"go.uber.org/zap"
)

// Notifier fires the campaign's postback URL for every validated
// conversion. Supported macros: {click_id}, {event_id}, {event},
// {affiliate_id}, {campaign_id}, {order_id}, {amount}, {currency},
// {payout}, {payout_currency}, {timestamp}.
type Notifier struct {
	campaigns  storage.CampaignRepo
	httpClient *http.Client
	logger     *zap.Logger
}

func NewNotifier(campaigns storage.CampaignRepo, logger *zap.Logger) *Notifier {
	return &Notifier{
		campaigns:  campaigns,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (n *Notifier) Name() string {
	return "postback"
}

// Publish implements tracking.Sink.
func (n *Notifier) Publish(ctx context.Context, ev *models.TrackingEvent) error {
	if ev.Type == models.EventClick || ev.Status != models.StatusValidated {
		return nil
	}

	campaign, err := n.campaigns.GetCampaign(ctx, ev.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil || campaign.PostbackURL == "" {
		return nil
	}

	target := expandMacros(campaign.PostbackURL, ev)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build postback request: %w", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send postback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("postback returned %d", resp.StatusCode)
	}

	n.logger.Debug("affiliate postback sent",
		zap.String("event_id", ev.EventID),
		zap.String("affiliate_id", ev.AttributedAffiliateID()),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func expandMacros(template string, ev *models.TrackingEvent) string {
	money := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

	r := strings.NewReplacer(
		"{click_id}", url.QueryEscape(ev.ClickID),
		"{event_id}", url.QueryEscape(ev.EventID),
		"{event}", url.QueryEscape(string(ev.Type)),
		"{affiliate_id}", url.QueryEscape(ev.AttributedAffiliateID()),
		"{campaign_id}", url.QueryEscape(ev.CampaignID),
		"{order_id}", url.QueryEscape(ev.OrderID),
		"{amount}", money(ev.Amount),
		"{currency}", url.QueryEscape(ev.Currency),
		"{payout}", money(ev.Payout),
		"{payout_currency}", url.QueryEscape(ev.PayoutCurrency),
		"{timestamp}", strconv.FormatInt(ev.Timestamp.Unix(), 10),
	)
	return r.Replace(template)
}
