package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
	closeFlushTimeout    = 10 * time.Second
)

var (
	// ErrNoCampaign is returned for a conversion with no campaign given and
	// no attribution cookie to take it from.
	ErrNoCampaign = errors.New("no campaign for conversion")

	// ErrEventsPending is returned by Flush when the service failed some
	// events on its side. They stay queued for the next flush.
	ErrEventsPending = errors.New("events kept for retry")
)

// Config configures a Tracker.
type Config struct {
	// Endpoint is the base URL of the attribution service.
	Endpoint       string
	OrganizationID string

	CookieSecret  []byte
	CookieDomain  string
	SecureCookies bool

	// QueuePath is the bbolt file holding unsent events.
	QueuePath     string
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration

	HTTPClient *http.Client
}

// ClickParams describes an affiliate click landing on the merchant.
type ClickParams struct {
	CampaignID  string
	AffiliateID string
	// ClickID is generated when empty.
	ClickID string
	// CookieLifetime is the campaign's attribution cookie lifetime.
	CookieLifetime time.Duration
}

// ConversionParams describes a conversion. CampaignID falls back to the
// attribution cookie.
type ConversionParams struct {
	Type            string
	CampaignID      string
	Amount          float64
	Currency        string
	OrderID         string
	Email           string
	Phone           string
	UserID          string
	CustomEventName string
	Metadata        map[string]string
}

// Tracker queues events locally and ships them to the service in batches.
type Tracker struct {
	cfg       Config
	client    *Client
	queue     *Queue
	cookies   *CookieManager
	collector ContextCollector
	logger    *zap.Logger

	flushMu sync.Mutex
	flushCh chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New opens the queue and starts the background flusher.
func New(cfg Config, logger *zap.Logger) (*Tracker, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("tracker: endpoint is required")
	}
	if len(cfg.CookieSecret) == 0 {
		return nil, errors.New("tracker: cookie secret is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	q, err := OpenQueue(cfg.QueuePath, cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:     cfg,
		client:  NewClient(cfg.Endpoint, cfg.HTTPClient),
		queue:   q,
		cookies: NewCookieManager(cfg.CookieSecret, cfg.CookieDomain, cfg.SecureCookies),
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

// TrackClick records a click, sets the visitor, session and attribution
// cookies and returns the click id.
func (t *Tracker) TrackClick(w http.ResponseWriter, r *http.Request, p ClickParams) (string, error) {
	visitorID, sessionID, err := t.identify(w, r)
	if err != nil {
		return "", err
	}

	clickID := p.ClickID
	if clickID == "" {
		clickID = uuid.NewString()
	}
	err = t.cookies.SetAttribution(w, Attribution{
		ClickID:     clickID,
		AffiliateID: p.AffiliateID,
		CampaignID:  p.CampaignID,
		ClickedAt:   t.cookies.nowFn().UTC(),
	}, p.CookieLifetime)
	if err != nil {
		return "", err
	}

	return clickID, t.enqueue(Event{
		EventID:        clickID,
		Type:           TypeClick,
		OrganizationID: t.cfg.OrganizationID,
		CampaignID:     p.CampaignID,
		AffiliateID:    p.AffiliateID,
		SessionID:      sessionID,
		VisitorID:      visitorID,
		ClickID:        clickID,
		Context:        t.collector.Collect(r),
	})
}

// TrackConversion records a conversion for the current visitor.
func (t *Tracker) TrackConversion(w http.ResponseWriter, r *http.Request, p ConversionParams) error {
	attr := t.cookies.Attribution(r)

	campaignID := p.CampaignID
	if campaignID == "" && attr != nil {
		campaignID = attr.CampaignID
	}
	if campaignID == "" {
		return ErrNoCampaign
	}
	var clickID string
	if attr != nil && attr.CampaignID == campaignID {
		clickID = attr.ClickID
	}

	visitorID, sessionID, err := t.identify(w, r)
	if err != nil {
		return err
	}

	return t.enqueue(Event{
		EventID:         uuid.NewString(),
		Type:            p.Type,
		OrganizationID:  t.cfg.OrganizationID,
		CampaignID:      campaignID,
		SessionID:       sessionID,
		VisitorID:       visitorID,
		ClickID:         clickID,
		Email:           p.Email,
		Phone:           p.Phone,
		UserID:          p.UserID,
		OrderID:         p.OrderID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		CustomEventName: p.CustomEventName,
		Metadata:        p.Metadata,
		Context:         t.collector.Collect(r),
	})
}

// Track queues a fully built event. A missing event id is generated so
// retried sends stay idempotent.
func (t *Tracker) Track(ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OrganizationID == "" {
		ev.OrganizationID = t.cfg.OrganizationID
	}
	return t.enqueue(ev)
}

// Flush sends queued events until the queue is empty. Events stay queued
// when the service cannot be reached, answers with an error status, or fails
// them on its side. Events it rejects as invalid are dropped.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	for {
		items, err := t.queue.Peek(t.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		events := make([]Event, len(items))
		for i, it := range items {
			events[i] = it.Event
		}
		results, err := t.client.SendBatch(ctx, events)
		if err != nil {
			return err
		}

		done := make([]Item, 0, len(items))
		pending := 0
		for i, it := range items {
			if i >= len(results) || results[i].Retryable {
				pending++
				continue
			}
			if !results[i].Success {
				t.logger.Warn("event rejected",
					zap.String("event_id", events[i].EventID),
					zap.String("type", events[i].Type),
					zap.String("error", results[i].Error),
				)
			}
			done = append(done, it)
		}
		if err := t.queue.Remove(done); err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d", ErrEventsPending, pending)
		}
	}
}

// Close stops the flusher, sends everything still queued and closes the
// queue file.
func (t *Tracker) Close() error {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()

	flushErr := t.Flush(ctx)
	if flushErr != nil {
		flushErr = fmt.Errorf("final flush: %w", flushErr)
	}
	return errors.Join(flushErr, t.queue.Close())
}

func (t *Tracker) identify(w http.ResponseWriter, r *http.Request) (string, string, error) {
	visitorID, err := t.cookies.VisitorID(w, r)
	if err != nil {
		return "", "", err
	}
	sessionID, err := t.cookies.SessionID(w, r)
	if err != nil {
		return "", "", err
	}
	return visitorID, sessionID, nil
}

func (t *Tracker) enqueue(ev Event) error {
	dropped, err := t.queue.Push(ev)
	if err != nil {
		return err
	}
	if dropped > 0 {
		t.logger.Warn("event queue full, dropped oldest events", zap.Int("dropped", dropped))
	}

	n, err := t.queue.Len()
	if err != nil {
		return err
	}
	if n >= t.cfg.BatchSize {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.flushCh:
		case <-t.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		if err := t.Flush(ctx); err != nil {
			t.logger.Warn("flush failed, events kept for retry", zap.Error(err))
		}
		cancel()
	}
}
