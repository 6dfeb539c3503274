package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// In-memory implementations back tests and runs without PostgreSQL.

// =============================================
// CLICKS
// =============================================

// InMemoryClickStore stores clicks in memory.
type InMemoryClickStore struct {
	mu     sync.RWMutex
	clicks map[string]*models.ClickData
}

func NewInMemoryClickStore() *InMemoryClickStore {
	return &InMemoryClickStore{clicks: make(map[string]*models.ClickData)}
}

func (s *InMemoryClickStore) SaveClick(_ context.Context, click *models.ClickData) error {
	if click == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clicks[click.ClickID]; ok {
		return nil
	}
	cp := *click
	s.clicks[click.ClickID] = &cp
	return nil
}

func (s *InMemoryClickStore) GetClick(_ context.Context, id string) (*models.ClickData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clicks[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryClickStore) FindClicks(_ context.Context, visitorID, sessionID string, since time.Time) ([]*models.ClickData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sinceMs := since.UnixMilli()
	var res []*models.ClickData
	for _, c := range s.clicks {
		if c.Converted || c.Timestamp < sinceMs {
			continue
		}
		if (visitorID != "" && c.VisitorID == visitorID) || (sessionID != "" && c.SessionID == sessionID) {
			cp := *c
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Timestamp != res[j].Timestamp {
			return res[i].Timestamp < res[j].Timestamp
		}
		return res[i].ClickID < res[j].ClickID
	})
	return res, nil
}

func (s *InMemoryClickStore) MarkClickConverted(_ context.Context, id, conversionID, conversionType string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clicks[id]
	if !ok {
		return false, nil
	}
	return c.MarkConverted(conversionID, conversionType, at), nil
}

func (s *InMemoryClickStore) DeleteExpiredClicks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	var n int64
	for id, c := range s.clicks {
		if !c.Converted && c.ExpiresAt <= nowMs {
			delete(s.clicks, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored clicks.
func (s *InMemoryClickStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clicks)
}

// =============================================
// EVENTS
// =============================================

// InMemoryEventStore stores tracking events in memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*models.TrackingEvent
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string]*models.TrackingEvent)}
}

func (s *InMemoryEventStore) SaveEvent(_ context.Context, ev *models.TrackingEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	s.events[ev.EventID] = &cp
	return true, nil
}

func (s *InMemoryEventStore) GetEvent(_ context.Context, id string) (*models.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (s *InMemoryEventStore) ListEvents(_ context.Context, f EventFilter) ([]*models.TrackingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*models.TrackingEvent
	for _, ev := range s.events {
		if f.OrganizationID != "" && ev.OrganizationID != f.OrganizationID {
			continue
		}
		if f.CampaignID != "" && ev.CampaignID != f.CampaignID {
			continue
		}
		if f.AffiliateID != "" && ev.AffiliateID != f.AffiliateID && ev.AttributedAffiliateID() != f.AffiliateID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
			continue
		}
		cp := *ev
		res = append(res, &cp)
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].Timestamp.Equal(res[j].Timestamp) {
			return res[i].Timestamp.Before(res[j].Timestamp)
		}
		return res[i].EventID < res[j].EventID
	})
	if limit := f.limit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// =============================================
// SESSIONS
// =============================================

// InMemorySessionStore stores sessions in memory.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionTracking
	nowFn    func() time.Time
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*models.SessionTracking),
		nowFn:    time.Now,
	}
}

// WithClock replaces the clock used to decide session expiry.
func (s *InMemorySessionStore) WithClock(nowFn func() time.Time) *InMemorySessionStore {
	s.nowFn = nowFn
	return s
}

func (s *InMemorySessionStore) GetSession(_ context.Context, id string) (*models.SessionTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !s.nowFn().Before(sess.ExpiresAt) {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *InMemorySessionStore) UpsertSession(_ context.Context, sess *models.SessionTracking) error {
	if sess == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.SessionID] = copySession(sess)
	return nil
}

func (s *InMemorySessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func copySession(s *models.SessionTracking) *models.SessionTracking {
	cp := *s
	cp.EventIDs = append([]string(nil), s.EventIDs...)
	cp.ClickIDs = append([]string(nil), s.ClickIDs...)
	return &cp
}

// =============================================
// CAMPAIGNS
// =============================================

// InMemoryCampaignRepo stores campaigns in memory.
type InMemoryCampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

func NewInMemoryCampaignRepo() *InMemoryCampaignRepo {
	return &InMemoryCampaignRepo{campaigns: make(map[string]*models.Campaign)}
}

func (r *InMemoryCampaignRepo) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.campaigns[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryCampaignRepo) ListCampaigns(_ context.Context) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]*models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		cp := *c
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// UpsertCampaign stores a shallow copy of the campaign.
func (r *InMemoryCampaignRepo) UpsertCampaign(_ context.Context, c *models.Campaign) error {
	if c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}
